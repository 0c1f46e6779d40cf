package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(body string) string {
	return "Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
}

func TestRequestNotification(t *testing.T) {
	tests := []struct {
		name     string
		msg      string
		expected bool
	}{
		{
			name: "messages without an ID are notifications",
			msg: `{
	"jsonrpc": "2.0",
	"method": "notification",
	"params": null
}`,
			expected: true,
		},
		{
			name:     "messages with a numeric ID are requests",
			msg:      `{"jsonrpc": "2.0", "id": 1, "method": "initialize"}`,
			expected: false,
		},
		{
			name:     "messages with a string ID are requests",
			msg:      `{"jsonrpc": "2.0", "id": "abc", "method": "shutdown"}`,
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var msg Request
			err := json.Unmarshal([]byte(test.msg), &msg)
			if err != nil {
				t.Fatalf("failed to unmarshal message: %v", err)
			}
			actual := msg.IsNotification()
			if test.expected != actual {
				t.Errorf("expected %v, got %v", test.expected, actual)
			}
		})
	}
}

func TestRead(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		expectedMethod string
		expectedID     string
		expectedErr    error
	}{
		{
			name:           "a framed request is decoded",
			input:          frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`),
			expectedMethod: "initialize",
			expectedID:     "1",
		},
		{
			name:           "header names are case insensitive",
			input:          "content-length: 35\r\n\r\n" + `{"jsonrpc":"2.0","method":"exit"}  `,
			expectedMethod: "exit",
		},
		{
			name: "a utf-8 content type is accepted",
			input: "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n" +
				frame(`{"jsonrpc":"2.0","id":"a","method":"shutdown"}`),
			expectedMethod: "shutdown",
			expectedID:     `"a"`,
		},
		{
			name: "the legacy utf8 charset spelling is accepted",
			input: "Content-Type: application/vscode-jsonrpc; charset=utf8\r\n" +
				frame(`{"jsonrpc":"2.0","method":"initialized","params":{}}`),
			expectedMethod: "initialized",
		},
		{
			name: "other charsets are rejected",
			input: "Content-Type: application/vscode-jsonrpc; charset=latin1\r\n" +
				frame(`{"jsonrpc":"2.0","method":"initialized"}`),
			expectedErr: ErrUnsupportedCharset,
		},
		{
			name:        "a missing content length is rejected",
			input:       "Content-Type: application/vscode-jsonrpc\r\n\r\n{}",
			expectedErr: ErrInvalidContentLengthHeader,
		},
		{
			name:        "a non-numeric content length is rejected",
			input:       "Content-Length: abc\r\n\r\n{}",
			expectedErr: ErrInvalidContentLengthHeader,
		},
		{
			name:        "a header line without a colon is rejected",
			input:       "Content-Length 2\r\n\r\n{}",
			expectedErr: errMalformedField,
		},
		{
			name:        "a truncated body is an unexpected EOF",
			input:       "Content-Length: 100\r\n\r\n{}",
			expectedErr: io.ErrUnexpectedEOF,
		},
		{
			name:        "an empty stream is a clean EOF",
			input:       "",
			expectedErr: io.EOF,
		},
		{
			name:        "invalid JSON is a parse error",
			input:       frame(`{"jsonrpc":"2.0",`),
			expectedErr: ErrParseError,
		},
		{
			name:        "the wrong protocol version is an invalid request",
			input:       frame(`{"jsonrpc":"1.0","id":1,"method":"initialize"}`),
			expectedErr: ErrInvalidRequest,
			expectedID:  "1",
		},
		{
			name:        "a missing method is an invalid request",
			input:       frame(`{"jsonrpc":"2.0","id":7}`),
			expectedErr: ErrInvalidRequest,
			expectedID:  "7",
		},
		{
			name:        "a batch is an invalid request",
			input:       frame(`[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`),
			expectedErr: ErrInvalidRequest,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req, err := Read(bufio.NewReader(strings.NewReader(test.input)))
			if test.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, test.expectedErr)
				if test.expectedID != "" {
					var de *DecodeError
					require.True(t, errors.As(err, &de))
					require.NotNil(t, de.ID)
					assert.Equal(t, test.expectedID, string(*de.ID))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expectedMethod, req.Method)
			if test.expectedID == "" {
				assert.True(t, req.IsNotification())
				return
			}
			require.NotNil(t, req.ID)
			assert.Equal(t, test.expectedID, string(*req.ID))
		})
	}
}

func TestReadContinuesAfterDecodeError(t *testing.T) {
	input := frame(`not json`) + frame(`{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	r := bufio.NewReader(strings.NewReader(input))

	_, err := Read(r)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Nil(t, de.ID)

	req, err := Read(r)
	require.NoError(t, err)
	assert.Equal(t, "shutdown", req.Method)
}

func TestReadLimitDiscardsOversizedBodies(t *testing.T) {
	input := frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`) +
		frame(`{"jsonrpc":"2.0","method":"exit"}`)
	r := bufio.NewReader(strings.NewReader(input))

	_, err := ReadLimit(r, 10)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req, err := ReadLimit(r, 10000)
	require.NoError(t, err)
	assert.Equal(t, "exit", req.Method)
}

func TestWrite(t *testing.T) {
	id := json.RawMessage(`1`)
	tests := []struct {
		name     string
		msg      any
		expected string
	}{
		{
			name:     "success responses carry a null result and no error",
			msg:      NewResponse(&id, nil),
			expected: `{"jsonrpc":"2.0","id":1,"result":null}`,
		},
		{
			name:     "error responses carry no result",
			msg:      NewResponseError(&id, ErrServerNotInitialized),
			expected: `{"jsonrpc":"2.0","id":1,"error":{"code":-32002,"message":"Server not initialized"}}`,
		},
		{
			name:     "parse errors have a null id",
			msg:      NewResponseError(nil, ErrParseError),
			expected: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
		},
		{
			name:     "notifications have no id",
			msg:      NewNotification("window/logMessage", map[string]any{"type": 3, "message": "hi"}),
			expected: `{"jsonrpc":"2.0","method":"window/logMessage","params":{"message":"hi","type":3}}`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := bufio.NewWriter(&buf)
			require.NoError(t, Write(w, test.msg))
			assert.Equal(t, frame(test.expected), buf.String())
		})
	}
}

func TestNewError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected *Error
	}{
		{
			name:     "nil errors stay nil",
			err:      nil,
			expected: nil,
		},
		{
			name:     "JSON-RPC errors pass through",
			err:      ErrInvalidParams,
			expected: ErrInvalidParams,
		},
		{
			name:     "wrapped JSON-RPC errors are unwrapped",
			err:      errors.Join(errors.New("context"), ErrMethodNotFound),
			expected: ErrMethodNotFound,
		},
		{
			name:     "other errors become internal errors",
			err:      errors.New("boom"),
			expected: &Error{Code: -32603, Message: "boom"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, NewError(test.err))
		})
	}
}
