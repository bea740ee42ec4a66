// Package driver orchestrates one UI transaction against the desktop chat
// app: preflight, optional new-chat reset, conversation open, input focus,
// clipboard paste, submit, then the poll loop. The OS-level primitives sit
// behind the Automation interface so the orchestration is testable and the
// platform glue is swappable.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/extract"
	"github.com/ocbridge/chatgpt-bridge/internal/pollwait"
	"github.com/ocbridge/chatgpt-bridge/internal/uierror"
)

// Accessibility permission states reported by Health.
const (
	AccessGranted = "granted"
	AccessDenied  = "denied"
	AccessUnknown = "unknown"
)

// Health is the driver's liveness report.
type Health struct {
	OK            bool   `json:"ok"`
	Accessibility string `json:"accessibility"`
	AppRunning    *bool  `json:"app_running"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// AskRequest is one prompt delivery. Prompt already ends with the marker
// line.
type AskRequest struct {
	Prompt           string
	Marker           string
	RequestID        string
	ConversationID   string
	StrictOpen       bool
	ResetEachRequest bool
	ResetStrict      bool
}

// AskResult is a settled reply.
type AskResult struct {
	Text                 string
	ContextReset         int
	OpenedConversationID string
	ExtractionMode       string
}

// Driver is what the HTTP layer consumes.
type Driver interface {
	Health(ctx context.Context) Health
	Ask(ctx context.Context, req AskRequest) (AskResult, *bridgeerr.Error)
	GetConversations(ctx context.Context, requestID string) ([]string, error)
}

// Automation is the OS accessibility contract. Implementations wrap the
// platform's automation APIs; errors should be typed bridge errors where a
// kind is known.
type Automation interface {
	AppRunning(ctx context.Context) (bool, error)
	ActivateApp(ctx context.Context) error
	AccessibilityStatus(ctx context.Context) string

	FrontWindowAvailable(ctx context.Context) (bool, error)
	ReopenApp(ctx context.Context) error
	NewWindowShortcut(ctx context.Context) error

	// Scrape reads the accessibility tree as one text blob. Poll scrapes
	// skip AXDescription fields for speed.
	Scrape(ctx context.Context, timeout time.Duration, includeDescriptions bool) (string, error)

	ListConversations(ctx context.Context) ([]string, error)
	// OpenConversation returns false when the title is not in the sidebar.
	OpenConversation(ctx context.Context, title string) (bool, error)
	ActiveConversationID(ctx context.Context) (string, error)
	NewChat(ctx context.Context) error

	FocusInput(ctx context.Context) error
	ClickNearBottom(ctx context.Context) error
	KeyboardFocusCycle(ctx context.Context) error

	ReadClipboard(ctx context.Context) (string, error)
	WriteClipboard(ctx context.Context, text string) error
	Paste(ctx context.Context) error
	Submit(ctx context.Context) error
}

// clipboardMu is process-wide: only one transaction may own the clipboard.
var clipboardMu sync.Mutex

// Config tunes the ask transaction.
type Config struct {
	Poll   pollwait.Config
	Logf   func(format string, args ...any)
	Labels extract.Labels
}

// UIDriver implements Driver over an Automation.
type UIDriver struct {
	auto Automation
	cfg  Config
}

// New wires the orchestration over the platform glue.
func New(auto Automation, cfg Config) *UIDriver {
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &UIDriver{auto: auto, cfg: cfg}
}

// Health probes app and accessibility state without driving the UI.
func (d *UIDriver) Health(ctx context.Context) Health {
	h := Health{Accessibility: d.auto.AccessibilityStatus(ctx)}
	running, err := d.auto.AppRunning(ctx)
	if err != nil {
		be := bridgeerr.From(err)
		h.Code = string(be.Kind)
		h.Message = be.Message
		return h
	}
	h.AppRunning = &running
	h.OK = running && h.Accessibility == AccessGranted
	if !running {
		h.Code = string(bridgeerr.KindAppNotRunning)
	} else if h.Accessibility == AccessDenied {
		h.Code = string(bridgeerr.KindAccessibilityDenied)
	}
	return h
}

// GetConversations lists sidebar titles, ordered and deduplicated.
func (d *UIDriver) GetConversations(ctx context.Context, requestID string) ([]string, error) {
	if err := d.preflight(ctx); err != nil {
		return nil, err
	}
	titles, err := d.auto.ListConversations(ctx)
	if err != nil {
		return nil, bridgeerr.From(err)
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range titles {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// Ask runs the full transaction. Failures carry the observed context-reset
// flag in their details so handlers keep the header truthful.
func (d *UIDriver) Ask(ctx context.Context, req AskRequest) (AskResult, *bridgeerr.Error) {
	contextReset := 0
	fail := func(err *bridgeerr.Error) (AskResult, *bridgeerr.Error) {
		return AskResult{ContextReset: contextReset}, err.WithContextReset(contextReset)
	}

	if err := d.preflight(ctx); err != nil {
		return fail(err)
	}
	if status := d.auto.AccessibilityStatus(ctx); status == AccessDenied {
		return fail(bridgeerr.New(bridgeerr.KindAccessibilityDenied,
			"accessibility permission is denied"))
	}

	if req.ResetEachRequest {
		if err := d.auto.NewChat(ctx); err != nil {
			if req.ResetStrict {
				return fail(bridgeerr.New(bridgeerr.KindUIResetFailed,
					"new-chat reset refused").WithDetail("cause", err.Error()))
			}
			d.cfg.Logf("new-chat reset failed, continuing request_id=%s err=%v", req.RequestID, err)
		} else {
			contextReset = 1
		}
	}

	openedConversation := ""
	if req.ConversationID != "" {
		found, err := d.auto.OpenConversation(ctx, req.ConversationID)
		if err != nil {
			return fail(bridgeerr.From(err))
		}
		if !found {
			if req.StrictOpen {
				return fail(bridgeerr.Newf(bridgeerr.KindConversationNotFound,
					"conversation %q not found in sidebar", req.ConversationID))
			}
			d.cfg.Logf("conversation not found, using active one request_id=%s conversation=%s",
				req.RequestID, req.ConversationID)
		} else {
			openedConversation = req.ConversationID
		}
	}

	if err := d.focusInput(ctx); err != nil {
		return fail(err)
	}

	preSnapshot, err := d.auto.Scrape(ctx, d.cfg.Poll.ScrapeTimeout, true)
	if err != nil {
		d.cfg.Logf("pre-send snapshot failed request_id=%s err=%v", req.RequestID, err)
		preSnapshot = ""
	}

	if err := d.deliver(ctx, req.Prompt); err != nil {
		return fail(err)
	}

	res, perr := pollwait.Wait(ctx, req.Prompt, preSnapshot, d.cfg.Poll, pollwait.Hooks{
		Scrape: func(ctx context.Context, timeout time.Duration) (string, error) {
			return d.auto.Scrape(ctx, timeout, false)
		},
		EnsureRunning: func(ctx context.Context) error {
			if err := d.ensureRunning(ctx); err != nil {
				return err
			}
			return d.ensureWindowAvailable(ctx)
		},
		Logf: d.cfg.Logf,
	})
	if perr != nil {
		return fail(perr)
	}

	if openedConversation == "" {
		if id, err := d.auto.ActiveConversationID(ctx); err == nil {
			openedConversation = id
		}
	}
	return AskResult{
		Text:                 res.Text,
		ContextReset:         contextReset,
		OpenedConversationID: openedConversation,
		ExtractionMode:       res.Mode,
	}, nil
}

func (d *UIDriver) preflight(ctx context.Context) *bridgeerr.Error {
	if err := d.ensureRunning(ctx); err != nil {
		return err
	}
	return d.ensureWindowAvailable(ctx)
}

// ensureRunning activates the app once if absent, then rechecks.
func (d *UIDriver) ensureRunning(ctx context.Context) *bridgeerr.Error {
	running, err := d.auto.AppRunning(ctx)
	if err != nil {
		return bridgeerr.From(err)
	}
	if running {
		return nil
	}
	if err := d.auto.ActivateApp(ctx); err != nil {
		return bridgeerr.New(bridgeerr.KindAppNotRunning, "chat app could not be activated").
			WithDetail("cause", err.Error())
	}
	running, err = d.auto.AppRunning(ctx)
	if err != nil {
		return bridgeerr.From(err)
	}
	if !running {
		return bridgeerr.New(bridgeerr.KindAppNotRunning, "chat app is not running")
	}
	return nil
}

// ensureWindowAvailable walks the recovery ladder: front window, app
// reopen, new-window shortcut.
func (d *UIDriver) ensureWindowAvailable(ctx context.Context) *bridgeerr.Error {
	ok, err := d.auto.FrontWindowAvailable(ctx)
	if err == nil && ok {
		return nil
	}
	if rerr := d.auto.ReopenApp(ctx); rerr == nil {
		if ok, err = d.auto.FrontWindowAvailable(ctx); err == nil && ok {
			return nil
		}
	}
	if serr := d.auto.NewWindowShortcut(ctx); serr == nil {
		if ok, err = d.auto.FrontWindowAvailable(ctx); err == nil && ok {
			return nil
		}
	}
	return bridgeerr.New(bridgeerr.KindUIElementNotFound, "no chat window available")
}

// focusInput tries the accessibility element, then a geometric click near
// the window bottom, then a keyboard focus cycle.
func (d *UIDriver) focusInput(ctx context.Context) *bridgeerr.Error {
	if err := d.auto.FocusInput(ctx); err == nil {
		return nil
	}
	if err := d.auto.ClickNearBottom(ctx); err == nil {
		return nil
	}
	if err := d.auto.KeyboardFocusCycle(ctx); err == nil {
		return nil
	}
	return bridgeerr.New(bridgeerr.KindUIElementNotFound, "could not focus the input field")
}

// deliver pastes and submits under the process-wide clipboard lock; the
// previous clipboard contents are restored on every exit path.
func (d *UIDriver) deliver(ctx context.Context, prompt string) *bridgeerr.Error {
	clipboardMu.Lock()
	defer clipboardMu.Unlock()

	original, rerr := d.auto.ReadClipboard(ctx)
	restore := rerr == nil
	defer func() {
		if restore {
			if err := d.auto.WriteClipboard(ctx, original); err != nil {
				d.cfg.Logf("clipboard restore failed err=%v", err)
			}
		}
	}()

	if err := d.auto.WriteClipboard(ctx, prompt); err != nil {
		return bridgeerr.New(bridgeerr.KindUIError, "could not place prompt on clipboard").
			WithDetail("cause", err.Error())
	}
	if err := d.auto.Paste(ctx); err != nil {
		return bridgeerr.New(bridgeerr.KindUIError, "paste failed").
			WithDetail("cause", err.Error())
	}
	if err := d.auto.Submit(ctx); err != nil {
		return bridgeerr.New(bridgeerr.KindUIError, "submit failed").
			WithDetail("cause", err.Error())
	}
	return nil
}

// Patterns exposes the configured UI-error patterns for reuse in health
// output and tests.
func (d *UIDriver) Patterns() []uierror.Pattern { return d.cfg.Poll.Patterns }
