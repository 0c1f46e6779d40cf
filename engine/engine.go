// Package engine answers the LSP lifecycle requests for the IAMA core engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/a-h/iamacore/lsp"
	"github.com/a-h/iamacore/messages"
	"github.com/a-h/iamacore/protocol"
	"golang.org/x/exp/slog"
)

// StartedMessage is logged to the client once it has been initialized.
const StartedMessage = "IAMA Core Engine Started"

type Notifier interface {
	Notify(method string, params any) error
}

type Registrar interface {
	HandleMethod(name string, method lsp.MethodHandler)
	HandleNotification(name string, notification lsp.NotificationHandler)
}

type Option func(e *Engine)

// WithCapabilities replaces the advertised capabilities, which are empty by default.
func WithCapabilities(c messages.ServerCapabilities) Option {
	return func(e *Engine) {
		e.capabilities = c
	}
}

// WithServerInfo sets the serverInfo returned from initialize, which is left
// out by default. An empty name leaves it out.
func WithServerInfo(name, version string) Option {
	return func(e *Engine) {
		if name == "" {
			e.serverInfo = nil
			return
		}
		e.serverInfo = &messages.ServerInfo{Name: name}
		if version != "" {
			e.serverInfo.Version = &version
		}
	}
}

type Engine struct {
	log          *slog.Logger
	notifier     Notifier
	capabilities messages.ServerCapabilities
	serverInfo   *messages.ServerInfo
}

func New(log *slog.Logger, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		log:      log,
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register wires the lifecycle handlers into r.
func (e *Engine) Register(r Registrar) {
	r.HandleMethod(messages.InitializeMethod, e.Initialize)
	r.HandleNotification(messages.InitializedNotification, e.Initialized)
	r.HandleMethod(messages.ShutdownMethod, e.Shutdown)
	r.HandleNotification(messages.ExitNotification, e.Exit)
}

func (e *Engine) Initialize(ctx context.Context, params json.RawMessage) (result any, err error) {
	var initializeParams messages.InitializeParams
	if !isAbsent(params) {
		if err = json.Unmarshal(params, &initializeParams); err != nil {
			return nil, protocol.ErrInvalidParams.WithMessage("Invalid initialize params: " + err.Error())
		}
	}
	e.log.Info("received initialize method", slog.Any("params", initializeParams))

	return messages.InitializeResult{
		Capabilities: e.capabilities,
		ServerInfo:   e.serverInfo,
	}, nil
}

// Initialized tells the client that the engine has started. A failure to
// deliver the message is logged, not returned.
func (e *Engine) Initialized(ctx context.Context, params json.RawMessage) (err error) {
	var initializedParams messages.InitializedParams
	if !isAbsent(params) {
		if err = json.Unmarshal(params, &initializedParams); err != nil {
			// The notification can't be answered, so carry on and start.
			e.log.Warn("invalid initialized params", slog.Any("params", params), slog.Any("error", err))
		}
	}
	e.log.Info("received initialized notification")
	err = e.notifier.Notify(messages.LogMessageMethod, messages.LogMessageParams{
		Type:    messages.MessageTypeInfo,
		Message: StartedMessage,
	})
	if err != nil {
		e.log.Warn("failed to send startup log message", slog.Any("error", err))
	}
	return nil
}

func (e *Engine) Shutdown(ctx context.Context, params json.RawMessage) (result any, err error) {
	e.log.Info("received shutdown method")
	return nil, nil
}

func (e *Engine) Exit(ctx context.Context, params json.RawMessage) (err error) {
	e.log.Info("received exit notification")
	return nil
}

func isAbsent(params json.RawMessage) bool {
	p := bytes.TrimSpace(params)
	return len(p) == 0 || bytes.Equal(p, []byte("null"))
}
