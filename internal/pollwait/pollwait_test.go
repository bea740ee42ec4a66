package pollwait

import (
	"context"
	"testing"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/extract"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/prompt"
	"github.com/ocbridge/chatgpt-bridge/internal/uierror"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return nil
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func testConfig() Config {
	return Config{
		MaxWait:           180 * time.Second,
		PollInterval:      time.Second,
		StableChecks:      3,
		NoIndicatorStable: 2500 * time.Millisecond,
		ScrapeTimeout:     10 * time.Second,
		Patterns:          uierror.DefaultPatterns(),
		Labels:            extract.DefaultLabels(),
	}
}

func strictAnchor(body string) string {
	return prompt.WithMarker(body, marker.Make("req-poll", "secret"))
}

// scriptScrape returns each step in order, repeating the last one.
func scriptScrape(steps ...func() (string, error)) func(context.Context, time.Duration) (string, error) {
	i := 0
	return func(context.Context, time.Duration) (string, error) {
		step := steps[min(i, len(steps)-1)]
		i++
		return step()
	}
}

func ok(text string) func() (string, error) {
	return func() (string, error) { return text, nil }
}

func fail(err error) func() (string, error) {
	return func() (string, error) { return "", err }
}

func TestWaitStableReply(t *testing.T) {
	anchor := strictAnchor("question")
	screen := anchor + "\nthe reply\nRegenerate"
	clock := newClock()

	res, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scriptScrape(ok(screen)),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "the reply" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Mode != extract.ModeMarker {
		t.Errorf("mode = %s", res.Mode)
	}
}

func TestWaitStabilityResetsOnChange(t *testing.T) {
	anchor := strictAnchor("question")
	partial := anchor + "\npartial rep\nRegenerate"
	done := anchor + "\npartial reply finished\nRegenerate"
	clock := newClock()

	calls := 0
	scrape := func(context.Context, time.Duration) (string, error) {
		calls++
		if calls < 3 {
			return partial, nil
		}
		return done, nil
	}
	res, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scrape, Now: clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "partial reply finished" {
		t.Errorf("text = %q", res.Text)
	}
	// Two partial scrapes then a change: counting restarts, so three more
	// identical reads are required.
	if calls != 5 {
		t.Errorf("done after %d calls, want 5", calls)
	}
}

func TestWaitTypingCursorBlocksDone(t *testing.T) {
	anchor := strictAnchor("question")
	typing := anchor + "\nthe reply\nRegenerate\n" + extract.TypingCursor
	settled := anchor + "\nthe reply\nRegenerate"
	clock := newClock()

	calls := 0
	scrape := func(context.Context, time.Duration) (string, error) {
		calls++
		if calls < 5 {
			return typing, nil
		}
		return settled, nil
	}
	if _, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scrape, Now: clock.Now, Sleep: clock.Sleep,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls < 5 {
		t.Errorf("finished while the typing cursor was visible (calls=%d)", calls)
	}
}

func TestWaitNoIndicatorStableWindow(t *testing.T) {
	anchor := strictAnchor("question")
	// No Regenerate/Continue labels anywhere on screen.
	screen := anchor + "\nquiet reply"
	clock := newClock()
	start := clock.t

	res, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scriptScrape(ok(screen)),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "quiet reply" {
		t.Errorf("text = %q", res.Text)
	}
	if clock.t.Sub(start) < 2500*time.Millisecond {
		t.Errorf("done before the no-indicator stability window elapsed (%s)", clock.t.Sub(start))
	}
}

func TestWaitRequireIndicatorsBlocksQuietDone(t *testing.T) {
	anchor := strictAnchor("question")
	quiet := anchor + "\nthe reply"
	labeled := anchor + "\nthe reply\nRegenerate"
	clock := newClock()
	cfg := testConfig()
	cfg.RequireIndicators = true

	calls := 0
	scrape := func(context.Context, time.Duration) (string, error) {
		calls++
		if calls < 10 {
			return quiet, nil
		}
		return labeled, nil
	}
	res, err := Wait(context.Background(), anchor, "", cfg, Hooks{
		Scrape: scrape, Now: clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "the reply" {
		t.Errorf("text = %q", res.Text)
	}
	if calls < 10 {
		t.Errorf("finished without a completion indicator (calls=%d)", calls)
	}
}

func TestWaitDetectsRateLimitBanner(t *testing.T) {
	anchor := strictAnchor("question")
	clock := newClock()

	_, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scriptScrape(ok("You're sending messages too quickly. Take a break.")),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err == nil || err.Kind != bridgeerr.KindRateLimitedByChatGPT {
		t.Fatalf("expected rate_limited_by_chatgpt, got %v", err)
	}
	if err.RetryAfterSec != 60 {
		t.Errorf("retry_after_sec = %d, want 60", err.RetryAfterSec)
	}
}

func TestWaitTimesOutAtDeadline(t *testing.T) {
	anchor := strictAnchor("question")
	clock := newClock()
	cfg := testConfig()
	cfg.MaxWait = 5 * time.Second

	_, err := Wait(context.Background(), anchor, "", cfg, Hooks{
		Scrape: scriptScrape(ok("screen without the marker")),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err == nil || err.Kind != bridgeerr.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitRecoversFromOutage(t *testing.T) {
	anchor := strictAnchor("question")
	screen := anchor + "\nback online\nRegenerate"
	clock := newClock()
	outage := bridgeerr.New(bridgeerr.KindUIElementNotFound, "window gone")

	ensured := 0
	calls := 0
	scrape := func(context.Context, time.Duration) (string, error) {
		calls++
		if calls <= 2 {
			return "", outage
		}
		return screen, nil
	}
	res, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape:        scrape,
		EnsureRunning: func(context.Context) error { ensured++; return nil },
		Now:           clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "back online" {
		t.Errorf("text = %q", res.Text)
	}
	if ensured != 2 {
		t.Errorf("ensure_running called %d times, want 2", ensured)
	}
}

func TestWaitOutageGraceExhausted(t *testing.T) {
	anchor := strictAnchor("question")
	clock := newClock()
	cfg := testConfig()
	cfg.MaxWait = 10 * time.Minute
	cfg.PollInterval = 30 * time.Second

	_, err := Wait(context.Background(), anchor, "", cfg, Hooks{
		Scrape: scriptScrape(fail(bridgeerr.New(bridgeerr.KindAppNotRunning, "gone"))),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err == nil || err.Kind != bridgeerr.KindUIElementNotFound {
		t.Fatalf("expected ui_element_not_found after grace, got %v", err)
	}
}

func TestWaitScrapeTimeoutBackoff(t *testing.T) {
	anchor := strictAnchor("question")
	screen := anchor + "\nslow but fine\nRegenerate"
	clock := newClock()

	var timeouts []time.Duration
	calls := 0
	scrape := func(_ context.Context, timeout time.Duration) (string, error) {
		calls++
		timeouts = append(timeouts, timeout)
		if calls <= 3 {
			return "", context.DeadlineExceeded
		}
		return screen, nil
	}
	res, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scrape, Now: clock.Now, Sleep: clock.Sleep,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "slow but fine" {
		t.Errorf("text = %q", res.Text)
	}
	want := []time.Duration{10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	for i, w := range want {
		if timeouts[i] != w {
			t.Errorf("scrape %d timeout = %s, want %s", i, timeouts[i], w)
		}
	}
	// Recovery resets the inner timeout for subsequent scrapes.
	if last := timeouts[len(timeouts)-1]; last != 10*time.Second {
		t.Errorf("timeout after recovery = %s, want 10s", last)
	}
}

func TestWaitFatalErrorPropagates(t *testing.T) {
	anchor := strictAnchor("question")
	clock := newClock()
	boom := bridgeerr.New(bridgeerr.KindAccessibilityDenied, "denied")

	_, err := Wait(context.Background(), anchor, "", testConfig(), Hooks{
		Scrape: scriptScrape(fail(boom)),
		Now:    clock.Now, Sleep: clock.Sleep,
	})
	if err == nil || err.Kind != bridgeerr.KindAccessibilityDenied {
		t.Fatalf("expected accessibility_denied, got %v", err)
	}
}
