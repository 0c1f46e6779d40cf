package lsp

// State is the lifecycle position of a connection.
//
// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#lifeCycleMessages
type State int

const (
	// StateUninitialized accepts only initialize and exit.
	StateUninitialized State = iota
	// StateInitializing has answered initialize and waits for initialized.
	StateInitializing
	// StateInitialized serves every registered method.
	StateInitialized
	// StateShuttingDown has answered shutdown and waits for exit.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateShuttingDown:
		return "shutting down"
	}
	return "unknown"
}
