// Package pollwait runs the scrape/extract/stabilize loop that decides when
// the chat app has finished answering. It holds the loop state in an
// explicit record and applies one transition per scrape outcome.
package pollwait

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/extract"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/prompt"
	"github.com/ocbridge/chatgpt-bridge/internal/uierror"
)

const (
	outageGrace   = 120 * time.Second
	backoffStep   = 5 * time.Second
	backoffCap    = 60 * time.Second
	progressEvery = 30 * time.Second
)

// Config carries the loop's tuning knobs.
type Config struct {
	MaxWait           time.Duration
	PollInterval      time.Duration
	StableChecks      int
	NoIndicatorStable time.Duration
	ScrapeTimeout     time.Duration
	// RequireIndicators disables the no-indicator fallback: a reply only
	// settles once a completion label is visible.
	RequireIndicators bool
	Patterns          []uierror.Pattern
	Labels            extract.Labels
}

// Hooks connects the loop to the UI driver and the clock. Now and Sleep
// default to the real clock when nil.
type Hooks struct {
	// Scrape reads the accessibility tree with the given inner timeout.
	Scrape func(ctx context.Context, timeout time.Duration) (string, error)
	// EnsureRunning relaunches the app / recovers the window during an
	// outage. Errors are logged and retried, not fatal.
	EnsureRunning func(ctx context.Context) error
	Logf          func(format string, args ...any)
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

func (h *Hooks) defaults() {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Sleep == nil {
		h.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if h.Logf == nil {
		h.Logf = func(string, ...any) {}
	}
	if h.EnsureRunning == nil {
		h.EnsureRunning = func(context.Context) error { return nil }
	}
}

// state is the loop's whole memory between iterations.
type state struct {
	previousFull                string
	previousExtractedNormalized string
	stableCount                 int
	stableSince                 time.Time
	scrapeTimeoutSince          time.Time
	uiUnavailableSince          time.Time
	scrapeTimeoutCurrent        time.Duration
}

func (s *state) resetStability() {
	s.previousExtractedNormalized = ""
	s.stableCount = 0
	s.stableSince = time.Time{}
}

// Wait polls until the reply is stable, a UI error is detected, recovery
// grace runs out, or MaxWait expires. anchor is the exact sent prompt;
// preSnapshot feeds the legacy extraction path.
func Wait(ctx context.Context, anchor, preSnapshot string, cfg Config, hooks Hooks) (extract.Result, *bridgeerr.Error) {
	hooks.defaults()
	if cfg.StableChecks <= 0 {
		cfg.StableChecks = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	strict := marker.Find(anchor) != ""
	mk := marker.Find(anchor)
	deadline := hooks.Now().Add(cfg.MaxWait)
	timeoutGrace := outageGrace
	if cfg.MaxWait > timeoutGrace {
		timeoutGrace = cfg.MaxWait
	}

	st := &state{scrapeTimeoutCurrent: cfg.ScrapeTimeout}
	lastProgress := hooks.Now()

	for {
		now := hooks.Now()
		if !now.Before(deadline) {
			return extract.Result{}, bridgeerr.Newf(bridgeerr.KindTimeout,
				"no stable reply within %s", cfg.MaxWait).
				WithDetail("stable_count", st.stableCount).
				WithDetail("stable_checks", cfg.StableChecks)
		}

		full, err := hooks.Scrape(ctx, st.scrapeTimeoutCurrent)
		switch {
		case err == nil:
			if !st.scrapeTimeoutSince.IsZero() || !st.uiUnavailableSince.IsZero() {
				st.scrapeTimeoutSince = time.Time{}
				st.uiUnavailableSince = time.Time{}
				st.scrapeTimeoutCurrent = cfg.ScrapeTimeout
				st.resetStability()
			}

			if det := uierror.Detect(full, cfg.Patterns); det != nil {
				return extract.Result{}, det
			}

			if done, res := advance(st, full, anchor, preSnapshot, strict, mk, cfg, now); done {
				return res, nil
			}

		case isUnavailable(err):
			if st.uiUnavailableSince.IsZero() {
				st.uiUnavailableSince = now
			}
			st.resetStability()
			if now.Sub(st.uiUnavailableSince) > outageGrace {
				return extract.Result{}, bridgeerr.Newf(bridgeerr.KindUIElementNotFound,
					"chat window unavailable for %s", outageGrace).
					WithDetail("unavailable_for_ms", now.Sub(st.uiUnavailableSince).Milliseconds())
			}
			hooks.Logf("ui unavailable, attempting recovery err=%v", err)
			if rerr := hooks.EnsureRunning(ctx); rerr != nil {
				hooks.Logf("ensure_running failed err=%v", rerr)
			}

		case isScrapeTimeout(err):
			if st.scrapeTimeoutSince.IsZero() {
				st.scrapeTimeoutSince = now
			}
			st.resetStability()
			if now.Sub(st.scrapeTimeoutSince) > timeoutGrace {
				return extract.Result{}, bridgeerr.Newf(bridgeerr.KindUIElementNotFound,
					"scrape timing out for %s", timeoutGrace).
					WithDetail("scrape_timeout_ms", st.scrapeTimeoutCurrent.Milliseconds())
			}
			st.scrapeTimeoutCurrent += backoffStep
			if st.scrapeTimeoutCurrent > backoffCap {
				st.scrapeTimeoutCurrent = backoffCap
			}
			hooks.Logf("scrape timeout, backing off next_timeout_ms=%d", st.scrapeTimeoutCurrent.Milliseconds())

		default:
			return extract.Result{}, bridgeerr.From(err)
		}

		if now.Sub(lastProgress) >= progressEvery {
			lastProgress = now
			hooks.Logf("waiting for reply stable_count=%d stable_checks=%d elapsed_ms=%d",
				st.stableCount, cfg.StableChecks, now.Sub(deadline.Add(-cfg.MaxWait)).Milliseconds())
		}

		if serr := hooks.Sleep(ctx, cfg.PollInterval); serr != nil {
			return extract.Result{}, bridgeerr.From(serr)
		}
	}
}

// advance applies one successful-scrape transition and evaluates the done
// predicate.
func advance(st *state, full, anchor, preSnapshot string, strict bool, mk string, cfg Config, now time.Time) (bool, extract.Result) {
	st.previousFull = full

	res, xerr := extract.Extract(full, anchor, preSnapshot, cfg.Labels)
	if xerr != nil {
		st.resetStability()
		return false, extract.Result{}
	}

	norm := prompt.Normalize(res.Text)
	if norm == st.previousExtractedNormalized {
		st.stableCount++
	} else {
		st.stableCount = 1
		st.stableSince = now
	}
	st.previousExtractedNormalized = norm

	if st.stableCount < cfg.StableChecks {
		return false, extract.Result{}
	}
	if strings.Contains(full, extract.TypingCursor) {
		return false, extract.Result{}
	}
	if !completionGate(st, full, cfg, now) {
		return false, extract.Result{}
	}
	if strict && (res.Mode != extract.ModeMarker || !strings.Contains(full, mk)) {
		return false, extract.Result{}
	}
	return true, res
}

// completionGate passes when the UI shows a completion indicator, or when
// the extracted text has been unchanged long enough without one.
func completionGate(st *state, full string, cfg Config, now time.Time) bool {
	for _, label := range []string{cfg.Labels.Regenerate, cfg.Labels.ContinueGenerate} {
		if label != "" && strings.Contains(full, label) {
			return true
		}
	}
	if cfg.RequireIndicators {
		return false
	}
	if cfg.NoIndicatorStable <= 0 {
		return true
	}
	return !st.stableSince.IsZero() && now.Sub(st.stableSince) >= cfg.NoIndicatorStable
}

func isUnavailable(err error) bool {
	be := bridgeerr.From(err)
	return be.Kind == bridgeerr.KindUIElementNotFound || be.Kind == bridgeerr.KindAppNotRunning
}

func isScrapeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return bridgeerr.From(err).Kind == bridgeerr.KindTimeout
}
