package sim

// A Msg travels from one port to another.
type Msg interface {
	Meta() *MsgMeta

	// Clone returns a copy of the message with a new ID.
	Clone() Msg
}

// MsgMeta is the part that every message carries.
type MsgMeta struct {
	ID       string
	Src, Dst RemotePort

	// TrafficClass and TrafficBytes describe the message to connections
	// and the monitor.
	TrafficClass string
	TrafficBytes int
}

// A Rsp completes the request whose ID it carries.
type Rsp interface {
	Msg
	GetRspTo() string
}
