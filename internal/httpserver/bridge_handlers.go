package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
	"github.com/ocbridge/chatgpt-bridge/internal/version"
)

type healthPayload struct {
	OK           bool   `json:"ok"`
	Ready        bool   `json:"ready"`
	Mode         string `json:"mode"`
	QueueDepth   int    `json:"queueDepth"`
	Version      string `json:"version"`
	UIAutomation string `json:"uiAutomation"`
}

// handleHealth is unauthenticated; ready mirrors the driver's own probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	h := s.driver.Health(ctx)
	s.respondJSON(w, http.StatusOK, healthPayload{
		OK:           true,
		Ready:        h.OK,
		Mode:         s.cfg.Mode,
		QueueDepth:   s.queue.Depth(),
		Version:      version.Version,
		UIAutomation: h.Accessibility,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse([]openai.Model{
		openai.NewModel(ModelID, ModelOwner, now),
	}))
}

type conversationsPayload struct {
	Conversations []string `json:"conversations"`
}

// handleConversations lists sidebar titles through the FIFO queue so it
// never interleaves with a running ask.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	rid := requestIDFrom(r.Context())
	out, err := s.queue.Submit(r.Context(), func(ctx context.Context) (any, error) {
		return s.driver.GetConversations(ctx, rid)
	})
	if err != nil {
		s.respondBridgeError(w, r, asBridgeError(err))
		return
	}
	titles, _ := out.([]string)
	if titles == nil {
		titles = []string{}
	}
	s.respondJSON(w, http.StatusOK, conversationsPayload{Conversations: titles})
}

const usageRecentLimit = 20

type usagePayload struct {
	Summary ledger.Summary `json:"summary"`
	Recent  []ledger.Entry `json:"recent"`
}

// handleUsage exposes the ask ledger for local diagnostics.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondJSON(w, http.StatusOK, usagePayload{Recent: []ledger.Entry{}})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	summary, err := s.ledger.Summary(ctx)
	if err != nil {
		s.respondBridgeError(w, r, asBridgeError(err))
		return
	}
	recent, err := s.ledger.ListRecent(ctx, usageRecentLimit)
	if err != nil {
		s.respondBridgeError(w, r, asBridgeError(err))
		return
	}
	if recent == nil {
		recent = []ledger.Entry{}
	}
	s.respondJSON(w, http.StatusOK, usagePayload{Summary: summary, Recent: recent})
}
