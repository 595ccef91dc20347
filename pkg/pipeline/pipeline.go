package pipeline

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-courier/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of actions and modifiers
 * from the actual router
 */

// Cargo carries one decoded request through its pipeline.
type Cargo struct {
	Logger     *slog.Logger
	Ctx        context.Context
	Connection *state.Connection
	// UserID is the identity bound to Connection, empty before identify.
	UserID string
	// Subject is the identity proven by the handshake token, empty when
	// authentication is disabled.
	Subject string
	Kind   string
	// Request holds the decoded, validated request variant.
	Request any
	// Reply sends a frame straight back to the originating connection.
	Reply func(frame []byte)
}

// ActionFunc performs the work of one request kind and acknowledges it.
type ActionFunc func(c *Cargo) error

// ModifierFunc runs before the action and may veto it by returning an error.
type ModifierFunc func(c *Cargo) error

// ModifierFactory builds a modifier from its configured parameters. Parameters
// are checked once, when the pipeline is compiled.
type ModifierFactory func(params ...string) (ModifierFunc, error)

// Pipeline is the compiled handling chain for one request kind.
type Pipeline struct {
	Kind      string
	Modifiers []ModifierFunc
	Action    ActionFunc
}

// Run executes every modifier in order, then the action. The first error halts it.
func (p *Pipeline) Run(c *Cargo) error {
	for _, mod := range p.Modifiers {
		if err := mod(c); err != nil {
			return err
		}
	}
	return p.Action(c)
}
