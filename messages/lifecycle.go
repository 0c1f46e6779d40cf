package messages

import "encoding/json"

// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#shutdown
const ShutdownMethod = "shutdown"

// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#exit
const ExitNotification = "exit"

// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#cancelRequest
const CancelRequestNotification = "$/cancelRequest"

type CancelParams struct {
	// ID is the number or string id of the request to cancel.
	ID json.RawMessage `json:"id"`
}
