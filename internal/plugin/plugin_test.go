package plugin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDPluginGeneratesWhenAbsent(t *testing.T) {
	p := NewRequestIDPlugin()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := &Context{Request: req}

	p.RequestFilter(ctx, httptest.NewRecorder())

	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		t.Fatal("expected request id header set")
	}
	if RequestIDFromContext(ctx) != id {
		t.Fatalf("got %q, want %q", RequestIDFromContext(ctx), id)
	}
}

func TestRequestIDPluginPreservesExisting(t *testing.T) {
	p := NewRequestIDPlugin()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-supplied")
	ctx := &Context{Request: req}

	p.RequestFilter(ctx, httptest.NewRecorder())

	if req.Header.Get(RequestIDHeader) != "client-supplied" {
		t.Fatalf("got %q, want client-supplied id preserved", req.Header.Get(RequestIDHeader))
	}
}

func TestRequestIDPluginSetsResponseHeader(t *testing.T) {
	p := NewRequestIDPlugin()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := &Context{Request: req}
	rec := httptest.NewRecorder()

	p.RequestFilter(ctx, rec)
	p.ResponseFilter(ctx, rec)

	if rec.Header().Get(RequestIDHeader) == "" {
		t.Fatal("expected response header set")
	}
}

type stubFilter struct {
	name   string
	action Action
	called *bool
}

func (s stubFilter) Name() string { return s.name }
func (s stubFilter) RequestFilter(ctx *Context, w http.ResponseWriter) Action {
	*s.called = true
	return s.action
}

func TestPipelineStopsOnRespond(t *testing.T) {
	var secondCalled bool
	first := stubFilter{name: "first", action: ActionRespond, called: new(bool)}
	second := stubFilter{name: "second", action: ActionContinue, called: &secondCalled}

	pipe := New(first, second)
	ctx := &Context{Request: httptest.NewRequest(http.MethodGet, "/", nil)}

	action := pipe.RunRequestFilter(ctx, httptest.NewRecorder())
	if action != ActionRespond {
		t.Fatalf("got %v, want ActionRespond", action)
	}
	if secondCalled {
		t.Fatal("second plugin should not run after first responds")
	}
}
