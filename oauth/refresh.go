// Package oauth keeps a user token fresh during long-running commands. It performs
// jittered checks and refreshes when the remaining lifetime falls within a window or the
// identity service rejects the token.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// Source is a refreshable token holder.
type Source interface {
	Current() string
	Refresh(ctx context.Context) (string, error)
}

// ValidateFunc returns the remaining lifetime of token. A rejected token is an auth error.
type ValidateFunc func(ctx context.Context, token string) (time.Duration, error)

// Refresher periodically validates Source's token and refreshes it before it expires.
type Refresher struct {
	Source   Source
	Validate ValidateFunc
	// Interval between checks; default 5m.
	Interval time.Duration
	// Window refreshes when the remaining lifetime is at or below it; default 15m.
	Window time.Duration
	Logger *slog.Logger
}

func (r *Refresher) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("component", "token_refresher"))
}

// Check validates the current token once and refreshes it when needed.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	if r.Source == nil || r.Validate == nil {
		return false, errors.New("refresher: source and validate required")
	}
	window := r.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	tok := r.Source.Current()
	if tok != "" {
		vctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		remaining, err := r.Validate(vctx, tok)
		cancel()
		switch {
		case err == nil && remaining > window:
			return false, nil
		case err != nil && !archerr.IsFatal(err):
			// cannot tell; try again next round
			return false, err
		}
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := r.Source.Refresh(rctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks on a jittered schedule until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := r.logger()
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}
	for {
		refreshed, err := r.Check(ctx)
		switch {
		case err != nil:
			logger.Warn("token refresh check failed", slog.Any("err", err))
		case refreshed:
			logger.Info("token refreshed")
		default:
			logger.Debug("token still valid")
		}

		// ±20% jitter
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: scheduling jitter only
		next := interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}
