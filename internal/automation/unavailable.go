package automation

import (
	"context"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/driver"
)

// unavailable is the fallback when no platform backend registered.
type unavailable struct{}

func (unavailable) err() error {
	return bridgeerr.New(bridgeerr.KindAppNotRunning,
		"no ui automation backend on this platform")
}

func (u unavailable) AppRunning(context.Context) (bool, error) { return false, nil }
func (u unavailable) ActivateApp(context.Context) error { return u.err() }
func (u unavailable) AccessibilityStatus(context.Context) string {
	return driver.AccessUnknown
}

func (u unavailable) FrontWindowAvailable(context.Context) (bool, error) { return false, nil }
func (u unavailable) ReopenApp(context.Context) error { return u.err() }
func (u unavailable) NewWindowShortcut(context.Context) error { return u.err() }

func (u unavailable) Scrape(context.Context, time.Duration, bool) (string, error) {
	return "", u.err()
}

func (u unavailable) ListConversations(context.Context) ([]string, error) { return nil, u.err() }
func (u unavailable) OpenConversation(context.Context, string) (bool, error) {
	return false, u.err()
}
func (u unavailable) ActiveConversationID(context.Context) (string, error) { return "", u.err() }
func (u unavailable) NewChat(context.Context) error { return u.err() }

func (u unavailable) FocusInput(context.Context) error { return u.err() }
func (u unavailable) ClickNearBottom(context.Context) error { return u.err() }
func (u unavailable) KeyboardFocusCycle(context.Context) error { return u.err() }

func (u unavailable) ReadClipboard(context.Context) (string, error) { return "", u.err() }
func (u unavailable) WriteClipboard(context.Context, string) error { return u.err() }
func (u unavailable) Paste(context.Context) error { return u.err() }
func (u unavailable) Submit(context.Context) error { return u.err() }
