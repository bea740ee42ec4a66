// Package admission serializes access to the single UI worker. The gate
// coalesces identical concurrent completions into one UI interaction and
// rejects mismatched ones; the queue orders the remaining UI jobs FIFO.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

// Fingerprint identifies a completion request for coalescing. The marker
// is excluded so client retries with fresh request ids still match.
type Fingerprint string

type fingerprintFields struct {
	Prompt         string `json:"prompt"`
	RoutingMode    string `json:"routing_mode"`
	SessionSlot    string `json:"session_slot"`
	ConversationID string `json:"conversation_id"`
	StrictOpen     bool   `json:"strict_open"`
}

// ComputeFingerprint hashes the canonical serialization of the request's
// identity fields. promptBody must not include the marker line.
func ComputeFingerprint(promptBody, routingMode, sessionSlot, conversationID string, strictOpen bool) Fingerprint {
	raw, _ := json.Marshal(fingerprintFields{
		Prompt:         promptBody,
		RoutingMode:    routingMode,
		SessionSlot:    sessionSlot,
		ConversationID: conversationID,
		StrictOpen:     strictOpen,
	})
	sum := sha256.Sum256(raw)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Result is what a flight produces, shared verbatim with every joined
// waiter.
type Result struct {
	Text                 string
	Mode                 string
	ContextReset         int
	OpenedConversationID string
	Err                  *bridgeerr.Error
}

type flight struct {
	fp      Fingerprint
	done    chan struct{}
	result  Result
	started time.Time
}

// Gate admits at most one completion flight at a time.
type Gate struct {
	mu      sync.Mutex
	current *flight

	// OnLateOutcome fires when a flight settles after every waiter has
	// already timed out.
	OnLateOutcome func(fp Fingerprint, r Result, ran time.Duration)
}

// NewGate returns an idle gate.
func NewGate() *Gate { return &Gate{} }

// Busy reports whether a flight is in progress.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current != nil
}

// Do admits the request. When the gate is idle, fn runs on its own
// goroutine and the caller waits; an identical in-flight fingerprint joins
// that flight; a different one is rejected with previous_response_pending.
// A caller whose ctx expires gets a timeout while the flight keeps running
// to drain the UI.
func (g *Gate) Do(ctx context.Context, fp Fingerprint, fn func() Result) (Result, *bridgeerr.Error) {
	g.mu.Lock()
	if g.current != nil {
		if g.current.fp != fp {
			g.mu.Unlock()
			return Result{}, bridgeerr.New(bridgeerr.KindPreviousResponsePending,
				"a different request is already driving the UI")
		}
		f := g.current
		g.mu.Unlock()
		return g.wait(ctx, f)
	}

	f := &flight{fp: fp, done: make(chan struct{}), started: time.Now()}
	g.current = f
	g.mu.Unlock()

	go func() {
		r := fn()
		g.mu.Lock()
		f.result = r
		g.current = nil
		g.mu.Unlock()
		close(f.done)
	}()

	return g.wait(ctx, f)
}

func (g *Gate) wait(ctx context.Context, f *flight) (Result, *bridgeerr.Error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		if g.OnLateOutcome != nil {
			go func() {
				<-f.done
				g.OnLateOutcome(f.fp, f.result, time.Since(f.started))
			}()
		}
		return Result{}, bridgeerr.New(bridgeerr.KindTimeout,
			"request timed out while the UI task was still running")
	}
}
