package provapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RemainingHeader is the API's remaining-requests-this-minute header.
const RemainingHeader = "x-ratelimit-remaining-minute"

// RateGovernor imposes a cool-down after each page based on the previous
// response's rate-limit headers. It runs after every page except the last.
type RateGovernor struct {
	Wait    time.Duration
	Reserve int
	Pause   time.Duration

	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRateGovernor builds a governor with the given unconditional wait,
// remaining-request threshold, and extra pause.
func NewRateGovernor(wait time.Duration, reserve int, pause time.Duration, m *Metrics) *RateGovernor {
	return &RateGovernor{
		Wait:    wait,
		Reserve: reserve,
		Pause:   pause,
		metrics: m,
	}
}

// Throttle sleeps Wait unconditionally, then Pause more when the remaining
// request budget reported by headers has dropped below Reserve. A missing or
// unparseable header is treated as a full budget.
func (g *RateGovernor) Throttle(ctx context.Context, headers http.Header) error {
	remaining := g.Reserve
	if raw := headers.Get(RemainingHeader); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			remaining = parsed
		}
	}

	if err := g.doSleep(ctx, g.Wait); err != nil {
		return err
	}
	if remaining < g.Reserve {
		slog.Warn("rate limit approaching",
			slog.Int("remaining", remaining),
			slog.Duration("pause", g.Pause),
		)
		if err := g.doSleep(ctx, g.Pause); err != nil {
			return err
		}
	}
	return nil
}

func (g *RateGovernor) doSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	g.metrics.AddThrottle(d)
	if g.sleep != nil {
		return g.sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}
