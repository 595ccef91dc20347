// Package router turns inbound frames into pipeline runs and sends the
// error reply when one fails.
package router

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/pkg/pipeline"
	"github.com/a-essam23/go-courier/pkg/state"
	"github.com/google/uuid"
)

// Observer counts handled frames.
type Observer interface {
	Frame(channel, kind string, err error)
}

// SubjectFunc extracts the handshake-authenticated identity from a
// connection's context.
type SubjectFunc func(ctx context.Context) string

type Options struct {
	Observer Observer
	Subject  SubjectFunc
}

type EventRouter struct {
	logger    *slog.Logger
	registry  state.Registry
	pipelines map[string]*pipeline.Pipeline
	codec     codec
	observer  Observer
	subject   SubjectFunc
}

// NewEventRouter routes frames of the chat channel.
func NewEventRouter(logger *slog.Logger, registry state.Registry, pipelines map[string]*pipeline.Pipeline, opts Options) *EventRouter {
	return newRouter(logger.With(slog.String("component", "event_router")), registry, pipelines, chatCodec, opts)
}

// NewSignalRouter routes frames of the call-signaling channel.
func NewSignalRouter(logger *slog.Logger, registry state.Registry, pipelines map[string]*pipeline.Pipeline, opts Options) *EventRouter {
	return newRouter(logger.With(slog.String("component", "signal_router")), registry, pipelines, signalCodec, opts)
}

func newRouter(logger *slog.Logger, registry state.Registry, pipelines map[string]*pipeline.Pipeline, c codec, opts Options) *EventRouter {
	return &EventRouter{
		logger:    logger,
		registry:  registry,
		pipelines: pipelines,
		codec:     c,
		observer:  opts.Observer,
		subject:   opts.Subject,
	}
}

// HandleMessage decodes one frame, runs its pipeline and answers failures on
// the originating connection. It matches transport.MessageHandler.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.registry.GetConnection(connID)
	if !ok {
		r.logger.Warn("Frame from untracked connection dropped", slog.String("connID", connID.String()))
		return
	}
	logger := r.logger.With(slog.String("connID", connID.String()))
	if conn.UserID != "" {
		logger = logger.With(slog.String("userID", conn.UserID))
	}
	send := func(frame []byte) {
		if err := conn.Transport.Send(frame); err != nil {
			logger.Debug("Reply dropped", slog.Any("error", err))
		}
	}

	kind, req, err := r.codec.decode(msg)
	if err != nil {
		kind = r.codec.kindOf(msg)
		r.fail(logger, kind, err, send)
		return
	}

	pipe, ok := r.pipelines[kind]
	if !ok {
		r.fail(logger, kind, apperr.With(apperr.ErrInvalidKind, "no handler for '%s'", kind), send)
		return
	}
	if conn.UserID == "" && !r.codec.anonymous[kind] {
		r.fail(logger, kind, apperr.ErrNotIdentified, send)
		return
	}

	cargo := &pipeline.Cargo{
		Logger:     logger,
		Ctx:        ctx,
		Connection: conn,
		UserID:     conn.UserID,
		Kind:       kind,
		Request:    req,
		Reply:      send,
	}
	if r.subject != nil {
		cargo.Subject = r.subject(ctx)
	}

	logger.Debug("Executing event pipeline", slog.String("kind", kind))
	if err := pipe.Run(cargo); err != nil {
		r.fail(logger, kind, err, send)
		return
	}
	r.observe(kind, nil)
}

func (r *EventRouter) fail(logger *slog.Logger, kind string, err error, send func([]byte)) {
	switch apperr.KindOf(err) {
	case apperr.KindPersistence, apperr.KindInternal:
		logger.Error("Request failed", slog.String("kind", kind), slog.Any("error", err))
	default:
		logger.Debug("Request rejected", slog.String("kind", kind), slog.Any("error", err))
	}
	send(r.codec.errFrame(kind, err))
	r.observe(kind, err)
}

func (r *EventRouter) observe(kind string, err error) {
	if r.observer == nil {
		return
	}
	// client supplied kinds must not grow the label set
	if _, ok := r.pipelines[kind]; !ok {
		kind = "unknown"
	}
	r.observer.Frame(string(r.codec.channel), kind, err)
}
