package client

// ControlCommandType names the command being issued on the control
// channel. The string values are part of the wire protocol.
type ControlCommandType string

const (
	// ControlCmdSetState reconfigures the remote service. The client
	// sends one automatically on every successful connect, announcing
	// the declared stream parameters.
	ControlCmdSetState ControlCommandType = "SET_STATE"

	// ControlCmdGetState asks the remote service to report its state
	// on the control channel.
	ControlCmdGetState ControlCommandType = "GET_STATE"

	// ControlCmdResetState asks the remote service to drop accumulated
	// state and start over.
	ControlCmdResetState ControlCommandType = "RESET_STATE"
)

// ControlCommand is one command sent to the remote service on the
// reserved control channel.
type ControlCommand struct {
	Type ControlCommandType `json:"cmd_type"`

	// ClearQueue asks the service to discard data still queued for
	// processing before applying the command.
	ClearQueue bool `json:"clear_queue"`

	// Data carries command arguments. For SET_STATE this includes the
	// stream parameters (h264, fps, width, height) plus anything the
	// caller supplied.
	Data map[string]any `json:"data,omitempty"`
}
