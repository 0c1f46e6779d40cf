package messages

const LogMessageMethod = "window/logMessage"

// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#window_logMessage
type LogMessageParams struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type MessageType int

const (
	MessageTypeError   MessageType = 1
	MessageTypeWarning MessageType = 2
	MessageTypeInfo    MessageType = 3
	MessageTypeLog     MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeError:
		return "Error"
	case MessageTypeWarning:
		return "Warning"
	case MessageTypeInfo:
		return "Info"
	case MessageTypeLog:
		return "Log"
	}
	return "Unknown"
}
