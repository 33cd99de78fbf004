// Package middleware holds the HTTP middleware stack wrapped around a
// worker's router.
//
// Middlewares execute in the order they were added: the first one added is
// the outermost wrapper, so a request flows through them front to back and
// the response flows back in reverse.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/conneroisu/wildcat/internal/config"
	"github.com/conneroisu/wildcat/internal/logging"
)

// Middleware represents a single middleware function
type Middleware func(http.Handler) http.Handler

// Dependencies are injected into NewChain.
type Dependencies struct {
	Config          *config.Config
	Logger          logging.Logger
	OriginValidator OriginValidator
}

// Chain manages the ordered middleware stack of a worker.
//
// Invariants:
//   - config is never nil after construction
//   - middlewares is never nil (can be empty)
//   - Apply is safe for concurrent use
type Chain struct {
	config      *config.Config
	logger      logging.Logger
	origins     OriginValidator
	middlewares []Middleware
}

// NewChain creates a chain with the default stack: request logging, then
// CORS.
func NewChain(deps Dependencies) (*Chain, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("middleware chain requires a config")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.OriginValidator == nil {
		deps.OriginValidator = NewOriginValidator(deps.Config)
	}

	c := &Chain{
		config:      deps.Config,
		logger:      deps.Logger,
		origins:     deps.OriginValidator,
		middlewares: make([]Middleware, 0, 4),
	}
	c.buildDefaultStack()
	return c, nil
}

func (c *Chain) buildDefaultStack() {
	c.Add(RequestLog(c.logger, SkipFor(c.config.Log.Requests, c.config.Paths.OutDir, c.logger)))
	c.Add(CORS(c.config, c.origins))
}

// Add appends a middleware inside the ones already added.
func (c *Chain) Add(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Apply wraps handler with every middleware in the chain.
func (c *Chain) Apply(handler http.Handler) http.Handler {
	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		wrapped = c.middlewares[i](wrapped)
	}
	return wrapped
}

// Handlers returns the chain as a slice for routers that take their own
// middleware list, such as chi's Use.
func (c *Chain) Handlers() []func(http.Handler) http.Handler {
	out := make([]func(http.Handler) http.Handler, len(c.middlewares))
	for i, m := range c.middlewares {
		out[i] = m
	}
	return out
}
