package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/cache"
	"github.com/edgeproxy/edgeproxy/internal/engine"
	"github.com/edgeproxy/edgeproxy/internal/store"
)

func TestRebuildRuntimesPopulatesCacheOnlyWhenEnabled(t *testing.T) {
	routes := store.NewStore[store.Route]()
	routes.Insert("cached.test", store.Route{Host: "cached.test", Cache: store.CachePolicy{Enabled: true}})
	routes.Insert("plain.test", store.Route{Host: "plain.test"})

	runtimes := store.NewStore[*engine.RouteRuntime]()
	mem, _ := cache.NewMemoryStore(8)
	disk := cache.NewDiskStore(t.TempDir())
	sup := New(routes, runtimes, store.NewChallengeStore(), nil, cache.NewTiered(mem, disk))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sup.rebuildRuntimes(ctx)

	cached, _ := runtimes.Lookup("cached.test")
	if cached.Cache == nil {
		t.Fatal("expected cache store wired for caching-enabled route")
	}
	plain, _ := runtimes.Lookup("plain.test")
	if plain.Cache != nil {
		t.Fatal("expected no cache store for caching-disabled route")
	}
}
