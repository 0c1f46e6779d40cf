package messages

import "encoding/json"

const InitializeMethod = "initialize"

// https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#initialize
type InitializeParams struct {
	// The process Id of the parent process that started the server. Is null if
	// the process has not been started by another process.
	ProcessID *int `json:"processId"`

	// Information about the client
	ClientInfo *ClientInfo `json:"clientInfo,omitempty"`

	// The locale the client is currently showing the user interface in.
	Locale string `json:"locale,omitempty"`

	// Deprecated in favour of WorkspaceFolders.
	RootURI *string `json:"rootUri,omitempty"`

	// User provided initialization options.
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`

	// The capabilities provided by the client (editor or tool)
	Capabilities ClientCapabilities `json:"capabilities"`

	// The initial trace setting. If omitted trace is disabled ('off').
	Trace TraceValue `json:"trace,omitempty"`

	WorkspaceFolders []WorkspaceFolder `json:"workspaceFolders,omitempty"`
}

type ClientInfo struct {
	Name    string  `json:"name"`
	Version *string `json:"version,omitempty"`
}

// ClientCapabilities are not interpreted by the engine, so they're kept raw
// for logging.
type ClientCapabilities json.RawMessage

func (c ClientCapabilities) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.RawMessage(c).MarshalJSON()
}

func (c *ClientCapabilities) UnmarshalJSON(data []byte) error {
	*c = append((*c)[0:0], data...)
	return nil
}

// TraceValue is one of "off", "messages" or "verbose".
type TraceValue string

type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type InitializeResult struct {
	// The capabilities the language server provides.
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

type ServerInfo struct {
	Name    string  `json:"name"`
	Version *string `json:"version,omitempty"`
}

const InitializedNotification = "initialized"

// InitializedParams is always an empty object.
type InitializedParams struct{}
