package events

// Control-plane topics carried over the shared Subject.
const (
	TopicDeviceConnected    = "device.connected"
	TopicDeviceDisconnected = "device.disconnected"
	TopicApprovalRequested  = "approval.requested"
	TopicApprovalResolved   = "approval.resolved"
)
