package sim

// SendError reports that a buffer on the way was full. The sender should
// retry once it is notified that the port is free.
type SendError struct{}

// NewSendError creates a SendError.
func NewSendError() *SendError {
	return &SendError{}
}

// A Connection carries messages between the ports plugged into it.
type Connection interface {
	Named
	Hookable

	PlugIn(port Port)
	Unplug(port Port)

	// NotifyAvailable tells that a port has room in its incoming buffer.
	NotifyAvailable(port Port)

	// NotifySend tells that a port has a message to deliver.
	NotifySend()
}
