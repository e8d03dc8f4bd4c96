package sim

// A Middleware is one stage of a component's tick.
type Middleware interface {
	Tick() bool
}

// MiddlewareHolder ticks its middlewares in the order they were added.
type MiddlewareHolder struct {
	middlewares []Middleware
}

// AddMiddleware appends a stage.
func (h *MiddlewareHolder) AddMiddleware(m Middleware) {
	h.middlewares = append(h.middlewares, m)
}

// Tick ticks every stage and reports if any of them made progress.
func (h *MiddlewareHolder) Tick() bool {
	progress := false

	for _, m := range h.middlewares {
		progress = m.Tick() || progress
	}

	return progress
}
