package callpacket

// Disposition tells how the proxy completes a call.
type Disposition int

// The dispositions.
const (
	// Immediate calls complete within the dispatch.
	Immediate Disposition = iota

	// AwaitModel calls block until the functional model reports completion.
	AwaitModel

	// AwaitDMA calls block until the DMA engine has moved the data between
	// simulated memory and the functional model.
	AwaitDMA
)

func (d Disposition) String() string {
	switch d {
	case Immediate:
		return "Immediate"
	case AwaitModel:
		return "AwaitModel"
	case AwaitDMA:
		return "AwaitDMA"
	default:
		return "Disposition(?)"
	}
}

// Classify decides the disposition of a call packet. Non-blocking kinds are
// always immediate. A blocking copy needs the DMA engine only when its host
// operand lives in simulated memory and it crosses between host and device.
func Classify(p CallPacket) Disposition {
	kind := p.Kind()
	if !kind.Blocking() {
		return Immediate
	}

	c, ok := p.Call.(MemcpyRequest)
	if !ok {
		return AwaitModel
	}

	if !p.SimulatedMemory {
		return AwaitModel
	}

	switch c.Direction {
	case HostToDevice, DeviceToHost:
		return AwaitDMA
	default:
		return AwaitModel
	}
}
