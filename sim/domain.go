package sim

// Domain groups closely connected components and exposes the ports that
// other parts of a system plug into.
type Domain struct {
	*PortOwnerBase

	name string
}

// NewDomain creates a domain with no ports.
func NewDomain(name string) *Domain {
	NameMustBeValid(name)

	return &Domain{
		PortOwnerBase: NewPortOwnerBase(),
		name:          name,
	}
}

// Name returns the name of the domain.
func (d *Domain) Name() string {
	return d.name
}
