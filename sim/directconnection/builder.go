package directconnection

import "github.com/sarchlab/gpuproxy/sim"

// Builder creates direct connections.
type Builder struct {
	engine sim.Engine
	freq   sim.Freq
}

// MakeBuilder returns a builder for a 1 GHz connection.
func MakeBuilder() Builder {
	return Builder{freq: 1 * sim.GHz}
}

// WithEngine sets the engine.
func (b Builder) WithEngine(e sim.Engine) Builder {
	b.engine = e
	return b
}

// WithFreq sets how often the connection ticks.
func (b Builder) WithFreq(f sim.Freq) Builder {
	b.freq = f
	return b
}

// Build creates the connection. It ticks after the components of each
// cycle so that messages sent during a cycle are delivered in it.
func (b Builder) Build(name string) *Comp {
	c := &Comp{byDst: make(map[sim.RemotePort]sim.Port)}
	c.TickingComponent = sim.NewSecondaryTickingComponent(
		name, b.engine, b.freq, c)

	return c
}
