// Package plugin implements the five-phase request pipeline:
// request_filter, upstream_request_filter, upstream_response_filter,
// response_filter, and logging.
package plugin

import (
	"net/http"
)

// Phase names one of the five pipeline stages the engine invokes plugins
// at.
type Phase string

const (
	PhaseRequestFilter          Phase = "request_filter"
	PhaseUpstreamRequestFilter  Phase = "upstream_request_filter"
	PhaseUpstreamResponseFilter Phase = "upstream_response_filter"
	PhaseResponseFilter         Phase = "response_filter"
	PhaseLogging                Phase = "logging"
)

// Context carries the per-request state a plugin can read or mutate. The
// engine populates it fresh for every request and threads the same value
// through all five phases, so a request_filter plugin can stash a value
// (e.g. a request ID) that a logging plugin reads back later.
type Context struct {
	Request    *http.Request
	Response   *http.Response // nil until the upstream_response_filter phase
	Vars       map[string]any // free-form inter-plugin state
	StatusCode int            // set by the engine once the response is written
}

// Action tells the engine what to do after a plugin runs in
// request_filter: continue the pipeline, or stop and serve a response
// immediately (e.g. an auth plugin rejecting a request). The Action
// returned from the later phases is ignored.
type Action int

const (
	ActionContinue Action = iota
	ActionRespond
)

// Plugin is implemented by anything pluggable into one or more phases.
// Most plugins only implement the phases relevant to them; the engine
// checks which of the optional per-phase interfaces below a Plugin
// satisfies rather than requiring a single do-everything method.
type Plugin interface {
	Name() string
}

// RequestFilter runs before any upstream selection happens. Returning
// ActionRespond with a non-zero status short-circuits the request.
type RequestFilter interface {
	Plugin
	RequestFilter(ctx *Context, w http.ResponseWriter) Action
}

// UpstreamRequestFilter runs once on the outbound request before the
// first backend is picked and before anything is sent, letting a plugin
// rewrite headers or the URL; every connect attempt reuses the result.
type UpstreamRequestFilter interface {
	Plugin
	UpstreamRequestFilter(ctx *Context, outreq *http.Request) Action
}

// UpstreamResponseFilter runs once the upstream response headers are
// available but before any body is streamed to the client.
type UpstreamResponseFilter interface {
	Plugin
	UpstreamResponseFilter(ctx *Context, resp *http.Response) Action
}

// ResponseFilter runs just before the response is written to the client,
// letting a plugin adjust headers one last time.
type ResponseFilter interface {
	Plugin
	ResponseFilter(ctx *Context, w http.ResponseWriter) Action
}

// Logging runs after the response has been fully written, strictly for
// side effects (metrics, access logs); it returns nothing.
type Logging interface {
	Plugin
	Log(ctx *Context)
}

// Pipeline is an ordered set of plugins, shared across every request for
// the routes that reference it. It holds no per-request state itself.
type Pipeline struct {
	plugins []Plugin
}

// New builds a Pipeline from an ordered plugin list.
func New(plugins ...Plugin) *Pipeline {
	return &Pipeline{plugins: plugins}
}

// RunRequestFilter runs every RequestFilter plugin in order, stopping at
// the first one that returns ActionRespond.
func (p *Pipeline) RunRequestFilter(ctx *Context, w http.ResponseWriter) Action {
	for _, pl := range p.plugins {
		if f, ok := pl.(RequestFilter); ok {
			if a := f.RequestFilter(ctx, w); a == ActionRespond {
				return ActionRespond
			}
		}
	}
	return ActionContinue
}

// RunUpstreamRequestFilter runs every UpstreamRequestFilter plugin in
// order. Phases 2-4 always run every plugin — unlike RunRequestFilter
// there is no short-circuit here; a plugin's Action return is
// informational only (an error-shaped plugin should log and return
// ActionContinue rather than stopping the pipeline).
func (p *Pipeline) RunUpstreamRequestFilter(ctx *Context, outreq *http.Request) {
	for _, pl := range p.plugins {
		if f, ok := pl.(UpstreamRequestFilter); ok {
			f.UpstreamRequestFilter(ctx, outreq)
		}
	}
}

// RunUpstreamResponseFilter runs every UpstreamResponseFilter plugin in
// order; see RunUpstreamRequestFilter for why this never short-circuits.
func (p *Pipeline) RunUpstreamResponseFilter(ctx *Context, resp *http.Response) {
	for _, pl := range p.plugins {
		if f, ok := pl.(UpstreamResponseFilter); ok {
			f.UpstreamResponseFilter(ctx, resp)
		}
	}
}

// RunResponseFilter runs every ResponseFilter plugin in order; see
// RunUpstreamRequestFilter for why this never short-circuits.
func (p *Pipeline) RunResponseFilter(ctx *Context, w http.ResponseWriter) {
	for _, pl := range p.plugins {
		if f, ok := pl.(ResponseFilter); ok {
			f.ResponseFilter(ctx, w)
		}
	}
}

// RunLogging runs every Logging plugin. Order is preserved but since
// logging plugins are side-effect-only, it rarely matters.
func (p *Pipeline) RunLogging(ctx *Context) {
	for _, pl := range p.plugins {
		if f, ok := pl.(Logging); ok {
			f.Log(ctx)
		}
	}
}
