package sim

// HookPos names a place where hooks are invoked.
type HookPos struct {
	Name string
}

// HookCtx describes one hook invocation.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// A Hook observes a Hookable.
type Hook interface {
	Func(ctx HookCtx)
}

// Hookable is anything hooks can be attached to.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
	Hooks() []Hook
}

// Engine hook positions.
var (
	HookPosBeforeEvent = &HookPos{Name: "BeforeEvent"}
	HookPosAfterEvent  = &HookPos{Name: "AfterEvent"}
)

// HookableBase keeps the hooks of an element. The zero value has no hooks.
type HookableBase struct {
	hooks []Hook
}

// AcceptHook attaches a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.hooks = append(h.hooks, hook)
}

// NumHooks returns how many hooks are attached.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// Hooks returns the attached hooks.
func (h *HookableBase) Hooks() []Hook {
	return h.hooks
}

// InvokeHook calls every attached hook in order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
