package sim

import "sync"

// A Named element has a hierarchical name such as "GPU.Proxy".
type Named interface {
	Name() string
}

// A Component is a simulated element. It handles its own events, talks
// through ports and is woken up by them.
type Component interface {
	Named
	Handler
	Hookable
	PortOwner

	NotifyRecv(port Port)
	NotifyPortFree(port Port)
}

// ComponentBase holds the name, ports, hooks and lock shared by components.
type ComponentBase struct {
	HookableBase
	*PortOwnerBase
	sync.Mutex

	name string
}

// NewComponentBase creates a ComponentBase. The name must be valid.
func NewComponentBase(name string) *ComponentBase {
	NameMustBeValid(name)

	return &ComponentBase{
		PortOwnerBase: NewPortOwnerBase(),
		name:          name,
	}
}

func (c *ComponentBase) Name() string {
	return c.name
}
