package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ocbridge/chatgpt-bridge/internal/admission"
	"github.com/ocbridge/chatgpt-bridge/internal/auditlog"
	"github.com/ocbridge/chatgpt-bridge/internal/bridgeerr"
	"github.com/ocbridge/chatgpt-bridge/internal/driver"
	"github.com/ocbridge/chatgpt-bridge/internal/filectx"
	"github.com/ocbridge/chatgpt-bridge/internal/idempotency"
	"github.com/ocbridge/chatgpt-bridge/internal/ledger"
	"github.com/ocbridge/chatgpt-bridge/internal/marker"
	"github.com/ocbridge/chatgpt-bridge/internal/openai"
	"github.com/ocbridge/chatgpt-bridge/internal/prompt"
	"github.com/ocbridge/chatgpt-bridge/internal/session"
)

// handleChatCompletions runs the full pipeline: parse, route, render,
// expand, admit, drive the UI, shape the response.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rid := requestIDFrom(r.Context())

	req, be := s.decodeCompletionRequest(w, r)
	if be != nil {
		s.respondBridgeError(w, r, be)
		return
	}

	route, be := s.router.Resolve(req.SessionKey, req.ConversationID)
	if be != nil {
		s.respondBridgeError(w, r, be)
		return
	}
	w.Header().Set(headerSessionSlot, route.Slot)
	w.Header().Set(headerConversationID, route.ConversationID)

	body, ok := prompt.Render(req.Messages)
	if !ok {
		s.respondBridgeError(w, r, bridgeerr.New(bridgeerr.KindInvalidRequest,
			"messages contain no user-role entry"))
		return
	}

	// Internal session announcements never reach the UI.
	if prompt.IsAnnounce(body) {
		usage := openai.EstimateUsage(utf8.RuneCountInString(body), len(prompt.AnnounceSkipText))
		s.finishCompletion(w, r, req, "chatcmpl-"+rid, prompt.AnnounceSkipText, usage)
		return
	}

	expanded, be := filectx.Expand(body, req.BridgeFiles, filectx.Options{
		Enabled:       s.cfg.FileContextEnabled,
		AllowedRoots:  s.cfg.FileContextAllowedRoots,
		MaxFiles:      s.cfg.FileContextMaxFiles,
		MaxFileChars:  s.cfg.FileContextMaxFileChars,
		MaxTotalChars: s.cfg.FileContextMaxTotalChars,
	})
	if be != nil {
		s.respondBridgeError(w, r, be)
		return
	}

	mk := marker.Make(rid, s.cfg.MarkerSecret)
	finalPrompt := prompt.WithMarker(expanded.Prompt, mk)
	if be := prompt.ValidateSizes(req.Messages, finalPrompt, s.cfg.MaxPromptChars, s.cfg.MaxMessageChars); be != nil {
		s.respondBridgeError(w, r, be)
		return
	}

	fp := admission.ComputeFingerprint(expanded.Prompt, s.router.Mode(), route.Slot, route.ConversationID, route.StrictOpen)

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if cached, hit := s.idem.Get(idemKey, fp); hit {
		for k, v := range cached.Headers {
			w.Header().Set(k, v)
		}
		s.respondCompletion(w, r, req, cached.Response)
		return
	}

	if allowed, retryAfter := s.limiter.Allow(); !allowed {
		s.respondBridgeError(w, r, bridgeerr.New(bridgeerr.KindQueueFull,
			"request budget exhausted").WithRetryAfter(retryAfter))
		return
	}

	askCtx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.JobTimeoutMs)*time.Millisecond)
	defer cancel()

	res, be := s.gate.Do(askCtx, fp, func() admission.Result {
		return s.runAsk(rid, finalPrompt, mk, route)
	})
	if be != nil {
		// A busy FIFO queue surfaces to completion clients as a pending
		// previous response.
		if be.Kind == bridgeerr.KindQueueFull {
			be = bridgeerr.New(bridgeerr.KindPreviousResponsePending,
				"a previous response is still being produced")
		}
		s.recordAsk(rid, route, string(be.Kind),
			admission.Result{ContextReset: be.ContextReset}, finalPrompt, time.Since(start))
		s.auditCompletion(r, rid, finalPrompt, "", be, time.Since(start))
		s.respondBridgeError(w, r, be)
		return
	}

	w.Header().Set(headerContextReset, strconv.Itoa(res.ContextReset))
	if res.OpenedConversationID != "" {
		w.Header().Set(headerConversationID, res.OpenedConversationID)
	}
	if err := s.router.Commit(route, res.OpenedConversationID); err != nil {
		s.logger.Printf("session binding write failed request_id=%s err=%v", rid, err)
	}

	usage := openai.EstimateUsage(utf8.RuneCountInString(finalPrompt), utf8.RuneCountInString(res.Text))
	resp := s.finishCompletion(w, r, req, "chatcmpl-"+rid, res.Text, usage)

	s.idem.Put(idemKey, fp, idempotency.Cached{
		Response: resp,
		Headers: map[string]string{
			headerContextReset:   strconv.Itoa(res.ContextReset),
			headerConversationID: res.OpenedConversationID,
			headerSessionSlot:    route.Slot,
		},
	})
	s.recordAsk(rid, route, ledger.OutcomeOK, res, finalPrompt, time.Since(start))
	s.auditCompletion(r, rid, finalPrompt, res.Text, nil, time.Since(start))
	s.logger.Printf("completion done request_id=%s total_ms=%d mode=%s chars=%d",
		rid, time.Since(start).Milliseconds(), res.Mode, utf8.RuneCountInString(res.Text))
}

func (s *Server) decodeCompletionRequest(w http.ResponseWriter, r *http.Request) (openai.ChatCompletionRequest, *bridgeerr.Error) {
	var req openai.ChatCompletionRequest
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, bridgeerr.NewBodyTooLarge(s.cfg.MaxBodyBytes)
		}
		return req, bridgeerr.New(bridgeerr.KindInvalidRequest, "could not read request body")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, bridgeerr.Newf(bridgeerr.KindInvalidRequest, "malformed JSON body: %v", err)
	}
	if len(req.Messages) == 0 {
		return req, bridgeerr.New(bridgeerr.KindInvalidRequest, "messages array is empty")
	}
	return req, nil
}

// runAsk is the flight body executed under the single-flight gate; the
// FIFO queue's add-if-idle keeps it exclusive with conversation listing.
func (s *Server) runAsk(rid, finalPrompt, mk string, route session.Route) admission.Result {
	out, err := s.queue.SubmitIfIdle(context.Background(), func(ctx context.Context) (any, error) {
		res, aerr := s.driver.Ask(ctx, driver.AskRequest{
			Prompt:           finalPrompt,
			Marker:           mk,
			RequestID:        rid,
			ConversationID:   route.ConversationID,
			StrictOpen:       route.StrictOpen,
			ResetEachRequest: s.cfg.ResetChatEachRequest,
			ResetStrict:      s.cfg.ResetStrict,
		})
		if aerr != nil {
			return nil, aerr
		}
		return res, nil
	})
	if err != nil {
		return admission.Result{Err: asBridgeError(err)}
	}
	res := out.(driver.AskResult)
	return admission.Result{
		Text:                 res.Text,
		Mode:                 res.ExtractionMode,
		ContextReset:         res.ContextReset,
		OpenedConversationID: res.OpenedConversationID,
	}
}

// finishCompletion shapes the final payload, batched or streamed.
func (s *Server) finishCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, id, content string, usage openai.UsageBreakdown) openai.ChatCompletionResponse {
	model := req.Model
	if model == "" {
		model = ModelID
	}
	resp := openai.NewCompletionResponse(id, model, content, usage)
	s.respondCompletion(w, r, req, resp)
	return resp
}

func (s *Server) respondCompletion(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, resp openai.ChatCompletionResponse) {
	if !req.Stream {
		s.respondJSON(w, http.StatusOK, resp)
		return
	}
	s.streamCompletion(w, r, resp)
}

// streamCompletion emits the fixed three-frame sequence and [DONE]. The
// whole reply is available before streaming starts, so one content delta
// carries it all.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, resp openai.ChatCompletionResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondJSON(w, http.StatusOK, resp)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Reverse proxies must not buffer the event stream.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	frames := []openai.ChatCompletionChunk{
		openai.NewRoleChunk(resp.ID, resp.Model, resp.Created),
		openai.NewContentChunk(resp.ID, resp.Model, resp.Created, content),
		openai.NewStopChunk(resp.ID, resp.Model, resp.Created),
	}
	for _, frame := range frames {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return
		}
		if _, err := io.WriteString(w, "data: "); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\n\n"); err != nil {
			return
		}
		flusher.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// recordAsk writes one ledger entry per settled ask; failures store the
// error kind as the outcome.
func (s *Server) recordAsk(rid string, route session.Route, outcome string, res admission.Result, finalPrompt string, took time.Duration) {
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		RequestID:       rid,
		SessionSlot:     route.Slot,
		ConversationID:  res.OpenedConversationID,
		Outcome:         outcome,
		ExtractionMode:  res.Mode,
		PromptChars:     int64(utf8.RuneCountInString(finalPrompt)),
		CompletionChars: int64(utf8.RuneCountInString(res.Text)),
		DurationMs:      took.Milliseconds(),
		ContextReset:    res.ContextReset == 1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.logger.Printf("ledger record failed request_id=%s err=%v", rid, err)
	}
}

func (s *Server) auditCompletion(r *http.Request, rid, promptText, responseText string, be *bridgeerr.Error, took time.Duration) {
	if s.audit == nil {
		return
	}
	headers := map[string]string{}
	for _, k := range []string{"Authorization", "Content-Type", "Accept", "User-Agent", "Idempotency-Key"} {
		if v := r.Header.Get(k); v != "" {
			headers[k] = v
		}
	}
	entry := auditlog.Entry{
		Event:        "completion",
		RequestID:    rid,
		Method:       r.Method,
		Path:         r.URL.Path,
		Headers:      headers,
		Prompt:       promptText,
		ResponseText: responseText,
		Metadata: map[string]any{
			"duration_ms": took.Milliseconds(),
		},
	}
	if be != nil {
		entry.Status = be.HTTPStatus()
		entry.Metadata["error_code"] = string(be.Kind)
	} else {
		entry.Status = http.StatusOK
	}
	if err := s.audit.Append(entry); err != nil {
		s.logger.Printf("audit append failed request_id=%s err=%v", rid, err)
	}
}
