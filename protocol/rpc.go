package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// Version is the only JSON-RPC protocol version accepted on the wire.
const Version = "2.0"

// DefaultMaxContentLength is the largest message body Read will decode.
const DefaultMaxContentLength int64 = 64 << 20

type Message struct {
	// ProtocolVersion is a string specifying the version of the JSON-RPC protocol. MUST be exactly "2.0".
	ProtocolVersion string `json:"jsonrpc"`
	// ID is an identifier established by the Client that MUST contain a String, Number, or NULL value if included. If it is not included it is assumed to be a notification. The value SHOULD normally not be Null [1] and Numbers SHOULD NOT contain fractional parts [2]
	ID *json.RawMessage `json:"id"`
}

func (msg Message) IsNotification() bool {
	return msg.ID == nil
}

type Request struct {
	Message
	// Method is a string containing the name of the method to be invoked. Method names that begin with the word rpc followed by a period character (U+002E or ASCII 46) are reserved for rpc-internal methods and extensions and MUST NOT be used for anything else.
	Method string `json:"method"`
	// Params is a structured value that holds the parameter values to be used during the invocation of the method. This member MAY be omitted.
	Params json.RawMessage `json:"params"`
}

type Response struct {
	Message
	// Result is populated on success.
	// This member is REQUIRED on success.
	// This member MUST NOT exist if there was an error invoking the method.
	// The value of this member is determined by the method invoked on the Server.
	Result any `json:"result"`
	// Error is populated on failure.
	// This member is REQUIRED on error.
	// This member MUST NOT exist if there was no error triggered during invocation.
	Error *Error `json:"error"`
}

// MarshalJSON writes exactly one of result or error.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ProtocolVersion string           `json:"jsonrpc"`
			ID              *json.RawMessage `json:"id"`
			Error           *Error           `json:"error"`
		}{r.ProtocolVersion, r.ID, r.Error})
	}
	return json.Marshal(struct {
		ProtocolVersion string           `json:"jsonrpc"`
		ID              *json.RawMessage `json:"id"`
		Result          any              `json:"result"`
	}{r.ProtocolVersion, r.ID, r.Result})
}

func NewResponse(id *json.RawMessage, result any) Response {
	return Response{
		Message: Message{ProtocolVersion: Version, ID: id},
		Result:  result,
	}
}

func NewResponseError(id *json.RawMessage, err error) Response {
	return Response{
		Message: Message{ProtocolVersion: Version, ID: id},
		Error:   NewError(err),
	}
}

type Notification struct {
	ProtocolVersion string `json:"jsonrpc"`
	Method          string `json:"method"`
	Params          any    `json:"params"`
}

func NewNotification(method string, params any) Notification {
	return Notification{
		ProtocolVersion: Version,
		Method:          method,
		Params:          params,
	}
}

// NewError converts err into a JSON-RPC error object. Errors that are not
// already an *Error are reported as internal errors.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    ErrInternal.Code,
		Message: err.Error(),
	}
}

type Error struct {
	// Code is a Number that indicates the error type that occurred.
	Code int64 `json:"code"`
	// Message of the error.
	// The message SHOULD be limited to a concise single sentence.
	Message string `json:"message"`
	// A Primitive or Structured value that contains additional information about the error.
	// This may be omitted.
	// The value of this member is defined by the Server (e.g. detailed error information, nested errors etc.).
	Data any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// WithMessage returns a copy of e with the same code and a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Data: e.Data}
}

// Is matches errors by code, so a copy made with WithMessage still matches its base error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrParseError           *Error = &Error{Code: -32700, Message: "Parse error"}
	ErrInvalidRequest       *Error = &Error{Code: -32600, Message: "Invalid Request"}
	ErrMethodNotFound       *Error = &Error{Code: -32601, Message: "Method not found"}
	ErrInvalidParams        *Error = &Error{Code: -32602, Message: "Invalid params"}
	ErrInternal             *Error = &Error{Code: -32603, Message: "Internal error"}
	ErrServerNotInitialized *Error = &Error{Code: -32002, Message: "Server not initialized"}
	ErrRequestCancelled     *Error = &Error{Code: -32800, Message: "Request cancelled"}
)

// DecodeError is returned by Read when a complete frame was consumed but its
// body is not a valid JSON-RPC request. The stream is still in sync, so the
// caller can reply with Err and keep reading.
type DecodeError struct {
	// ID of the offending request, if it could be recovered.
	ID    *json.RawMessage
	Err   *Error
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Err.Message, e.Cause)
	}
	return e.Err.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidContentLengthHeader = errors.New("missing or invalid Content-Length header")
	ErrUnsupportedCharset         = errors.New("unsupported Content-Type charset")
)

// Read reads one framed message, rejecting bodies over DefaultMaxContentLength.
func Read(r *bufio.Reader) (req Request, err error) {
	return ReadLimit(r, DefaultMaxContentLength)
}

// ReadLimit reads one framed message. io.EOF is returned unwrapped when the
// stream ends cleanly between messages.
func ReadLimit(r *bufio.Reader, maxContentLength int64) (req Request, err error) {
	// Read header.
	h, err := readHeader(textproto.NewReader(r))
	if err != nil {
		return
	}
	if h.contentLength < 0 {
		return req, ErrInvalidContentLengthHeader
	}
	if h.charset != "" && h.charset != "utf-8" && h.charset != "utf8" {
		return req, fmt.Errorf("%w: %q", ErrUnsupportedCharset, h.charset)
	}
	if maxContentLength > 0 && h.contentLength > maxContentLength {
		if _, err = io.CopyN(io.Discard, r, h.contentLength); err != nil {
			return req, fmt.Errorf("failed to discard oversized body: %w", err)
		}
		return req, &DecodeError{
			Err:   ErrInvalidRequest.WithMessage("Message too large"),
			Cause: fmt.Errorf("content length %d exceeds limit %d", h.contentLength, maxContentLength),
		}
	}
	// Read body.
	body := make([]byte, h.contentLength)
	if _, err = io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return req, fmt.Errorf("failed to read body: %w", err)
	}
	return decode(body)
}

func decode(body []byte) (req Request, err error) {
	if !json.Valid(body) {
		return req, &DecodeError{Err: ErrParseError, Cause: errors.New("body is not valid JSON")}
	}
	if err = json.Unmarshal(body, &req); err != nil {
		return req, &DecodeError{Err: ErrInvalidRequest, Cause: err}
	}
	if req.ProtocolVersion != Version {
		return req, &DecodeError{
			ID:    req.ID,
			Err:   ErrInvalidRequest,
			Cause: fmt.Errorf("unsupported jsonrpc version %q", req.ProtocolVersion),
		}
	}
	if req.Method == "" {
		return req, &DecodeError{ID: req.ID, Err: ErrInvalidRequest, Cause: errors.New("missing method")}
	}
	return req, nil
}

func Write(w *bufio.Writer, msg any) (err error) {
	// Calculate body size.
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Write the header.
	_, err = w.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	if err != nil {
		return
	}
	// Write the body.
	_, err = w.Write(body)
	if err != nil {
		return
	}
	// Flush.
	err = w.Flush()
	return
}
