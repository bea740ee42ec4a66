// Package session maps incoming requests onto chat-app conversations.
// In sticky mode a named slot remembers which conversation it last used;
// in explicit mode the caller must name the conversation; off ignores
// routing entirely.
package session

import (
	"strings"

	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
)

// Routing modes.
const (
	ModeOff      = "off"
	ModeSticky   = "sticky"
	ModeExplicit = "explicit"
)

// Route is the resolved routing decision for one request.
type Route struct {
	Slot           string
	ConversationID string
	// FromBody is true when the conversation id came from the request
	// itself rather than a persisted binding.
	FromBody   bool
	StrictOpen bool
}

// Router resolves and commits conversation routing per the configured mode.
type Router struct {
	mode        string
	defaultSlot string
	strictOpen  bool
	store       *Store
}

// NewRouter wires a router over the bindings store. The store may be nil
// only in off mode.
func NewRouter(mode, defaultSlot string, strictOpen bool, store *Store) *Router {
	if defaultSlot == "" {
		defaultSlot = "default"
	}
	return &Router{mode: mode, defaultSlot: defaultSlot, strictOpen: strictOpen, store: store}
}

// Mode returns the configured routing mode.
func (r *Router) Mode() string { return r.mode }

// NormalizeSlot trims, lowercases, and falls back to the default slot.
func (r *Router) NormalizeSlot(slot string) string {
	slot = strings.ToLower(strings.TrimSpace(slot))
	if slot == "" {
		slot = r.defaultSlot
	}
	return slot
}

// Resolve decides the conversation for a request.
func (r *Router) Resolve(sessionKey, conversationID string) (Route, *bridgeerr.Error) {
	conversationID = strings.TrimSpace(conversationID)
	switch r.mode {
	case ModeOff, "":
		return Route{}, nil
	case ModeExplicit:
		if conversationID == "" {
			return Route{}, bridgeerr.New(bridgeerr.KindInvalidRequest,
				"conversation_id is required when session routing is explicit")
		}
		return Route{
			Slot:           r.NormalizeSlot(sessionKey),
			ConversationID: conversationID,
			FromBody:       true,
			StrictOpen:     r.strictOpen,
		}, nil
	case ModeSticky:
		route := Route{Slot: r.NormalizeSlot(sessionKey), StrictOpen: r.strictOpen}
		if conversationID != "" {
			route.ConversationID = conversationID
			route.FromBody = true
			return route, nil
		}
		if bound, ok := r.store.Get(route.Slot); ok {
			route.ConversationID = bound
		}
		return route, nil
	default:
		return Route{}, bridgeerr.Newf(bridgeerr.KindInvalidRequest,
			"unknown session routing mode %q", r.mode)
	}
}

// Commit persists the binding after a successful ask. Only body-sourced
// sticky routes and explicit routes are written; binding-sourced sticky
// routes already hold the persisted value.
func (r *Router) Commit(route Route, openedConversationID string) error {
	openedConversationID = strings.TrimSpace(openedConversationID)
	if openedConversationID == "" {
		return nil
	}
	switch r.mode {
	case ModeExplicit:
	case ModeSticky:
		if !route.FromBody {
			return nil
		}
	default:
		return nil
	}
	return r.store.Put(route.Slot, openedConversationID)
}
