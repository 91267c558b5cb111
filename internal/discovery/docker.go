// Package discovery scrapes running container labels to derive backend
// routes, a supplemental feature for deployments that don't hand-maintain
// the YAML route document. Grounded on the label-based service discovery
// in the original Rust implementation's docker service module, reworked
// here around github.com/docker/docker's client rather than a
// hand-rolled Docker Engine API caller.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/edgeproxy/edgeproxy/internal/store"
)

const (
	labelEnabled = "edgeproxy.enabled"
	labelHost    = "edgeproxy.host"
	labelPort    = "edgeproxy.port"
	labelPathPfx = "edgeproxy.path." // edgeproxy.path.0, edgeproxy.path.1, ...
)

// Docker watches the local Docker daemon for containers carrying the
// edgeproxy.* labels and derives one Route per distinct edgeproxy.host
// label value, aggregating every enabled container as a backend.
type Docker struct {
	client *client.Client
}

// New connects to the Docker daemon at host (e.g.
// "unix:///var/run/docker.sock").
func New(host string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to docker: %w", err)
	}
	return &Docker{client: cli}, nil
}

// Discover lists running containers and returns the routes implied by
// their edgeproxy.* labels, grouped by host. A container missing
// edgeproxy.enabled=true is skipped entirely.
func (d *Docker) Discover(ctx context.Context) (map[string]store.Route, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("discovery: listing containers: %w", err)
	}

	byHost := make(map[string][]store.Backend)
	pathsByHost := make(map[string][]string)

	for _, c := range containers {
		labels := c.Labels
		if labels[labelEnabled] != "true" {
			continue
		}
		host := labels[labelHost]
		if host == "" {
			continue
		}

		port, err := strconv.Atoi(labels[labelPort])
		if err != nil {
			continue
		}

		addr := containerAddress(c)
		if addr == "" {
			continue
		}

		byHost[host] = append(byHost[host], store.Backend{
			Address: addr,
			Port:    port,
			Weight:  1,
		})
		pathsByHost[host] = append(pathsByHost[host], containerPathPrefixes(labels)...)
	}

	routes := make(map[string]store.Route, len(byHost))
	for host, backends := range byHost {
		var matcher *store.PathMatcher
		if prefixes := pathsByHost[host]; len(prefixes) > 0 {
			matcher = store.NewPathMatcher(prefixes)
		}
		routes[host] = store.Route{
			Host:        host,
			Backends:    backends,
			PathMatcher: matcher,
		}
	}
	return routes, nil
}

func containerAddress(c container.Summary) string {
	for _, net := range c.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress
		}
	}
	return ""
}

func containerPathPrefixes(labels map[string]string) []string {
	var prefixes []string
	for k, v := range labels {
		if strings.HasPrefix(k, labelPathPfx) {
			prefixes = append(prefixes, v)
		}
	}
	return prefixes
}
