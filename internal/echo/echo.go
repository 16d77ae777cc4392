// Package echo provides the reference Handler used by cmd/wsserver
// and by the end-to-end tests: it answers each text message with
// "I got: <message>" (spec.md §8 scenario 3) and logs disconnects.
package echo

import (
	"fmt"

	"github.com/larskiel/wsserver/internal/connection"
	"github.com/larskiel/wsserver/internal/logging"
)

// Handler implements connection.Handler.
type Handler struct {
	caps connection.Capabilities
	log  logging.Logger
}

// NewFactory returns a connection.HandlerFactory building Handlers
// that log through log.
func NewFactory(log logging.Logger) connection.HandlerFactory {
	return func(caps connection.Capabilities) connection.Handler {
		return &Handler{caps: caps, log: log}
	}
}

func (h *Handler) OnMessage(text string) {
	h.caps.Send(fmt.Sprintf("I got: %s", text))
}

func (h *Handler) OnClose(code uint16, reason string) {
	if h.log != nil {
		h.log.Debug("connection closed", logging.Fields{"code": code, "reason": reason})
	}
}
