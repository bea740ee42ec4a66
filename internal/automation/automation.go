// Package automation supplies the platform glue behind driver.Automation.
// OS-specific backends register themselves from their own build-tagged
// files; on platforms without a backend New returns an implementation that
// reports the app as not running, so health stays truthful and asks fail
// with typed errors instead of panicking.
package automation

import (
	"github.com/ocbridge/chatgpt-bridge/internal/driver"
)

var factory func() driver.Automation

// Register installs the platform backend. Called from init() in
// build-tagged files; the last registration wins.
func Register(fn func() driver.Automation) {
	factory = fn
}

// New returns the registered backend, or the unavailable fallback.
func New() driver.Automation {
	if factory != nil {
		return factory()
	}
	return unavailable{}
}
