package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/a-essam23/go-courier/pkg/pipeline"
	"github.com/a-essam23/go-courier/pkg/ratelimit"
)

// newRateLimitModifier limits how often one user may run a kind, e.g. "10/m".
// Anonymous connections are limited per connection.
func (e *Registry) newRateLimitModifier(params ...string) (pipeline.ModifierFunc, error) {
	if len(params) != 1 {
		return nil, errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
	}
	spec, err := ratelimit.Parse(params[0])
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(spec, 2*spec.Per)

	return func(c *pipeline.Cargo) error {
		key := c.UserID
		if key == "" && c.Connection != nil {
			key = "conn:" + c.Connection.ID.String()
		}
		if limiter.Allow(key, e.now()) {
			return nil
		}
		c.Logger.Warn("Rate limit exceeded", slog.String("kind", c.Kind), slog.String("limit", spec.String()))
		return apperr.With(apperr.ErrRateLimited, "rate limit for '%s' exceeded (%s)", c.Kind, spec)
	}, nil
}

// newSecureModifier only lets connections authenticated at the handshake through.
func newSecureModifier(params ...string) (pipeline.ModifierFunc, error) {
	if len(params) != 0 {
		return nil, errors.New("'secure' modifier does not accept any parameters")
	}
	return func(c *pipeline.Cargo) error {
		if c.Subject == "" {
			return apperr.With(apperr.ErrForbidden, "'%s' requires an authenticated session", c.Kind)
		}
		return nil
	}, nil
}

func newLogModifier(params ...string) (pipeline.ModifierFunc, error) {
	if len(params) > 1 {
		return nil, fmt.Errorf("'log' modifier accepts at most 1 parameter: [message], got %d", len(params))
	}
	message := "Request received"
	if len(params) == 1 {
		message = params[0]
	}
	return func(c *pipeline.Cargo) error {
		c.Logger.Info(message, slog.String("component", "action_log"), slog.String("kind", c.Kind), slog.String("userID", c.UserID))
		return nil
	}, nil
}
