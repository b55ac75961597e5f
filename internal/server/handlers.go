// ABOUTME: HTTP handlers for the OneBot webhook, health check and admin API
// ABOUTME: The webhook always acknowledges with 200 so the gateway never retry-storms

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/ledger"
	"github.com/2389/coven-relay/internal/onebot"
)

// maxWebhookBody caps inbound event payloads.
const maxWebhookBody = 1 << 20

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+s.config.Server.WebhookPath, s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)

	requireToken := auth.Middleware(s.verifier, s.logger)
	mux.Handle("GET /api/stats/usage", requireToken(http.HandlerFunc(s.handleUsageStats)))
	mux.Handle("GET /api/groups/{id}/history", requireToken(http.HandlerFunc(s.handleGroupHistory)))

	mux.HandleFunc("/", acknowledge)
	return mux
}

// acknowledge is the trivial reply for every delivery and unknown route.
func acknowledge(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.logger.Warn("webhook body too large, ignoring", "limit", tooLarge.Limit)
		} else {
			s.logger.Warn("failed to read webhook body", "error", err)
		}
		acknowledge(w, r)
		return
	}

	if !onebot.VerifySignature(s.config.OneBot.Secret, body, r.Header.Get(onebot.SignatureHeader)) {
		s.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := onebot.ParseEvent(body)
	if err != nil {
		s.logger.Warn("invalid webhook payload", "error", err)
		acknowledge(w, r)
		return
	}

	if ev.IsGroupMessage() && s.dedupe.CheckAndMark(dedupe.Key(ev.GroupID, ev.MessageID)) {
		s.logger.Debug("duplicate delivery ignored", "group_id", ev.GroupID, "message_id", ev.MessageID)
		acknowledge(w, r)
		return
	}

	// The gateway may drop the POST before the model answers; the reply
	// still goes out, bounded by the provider and gateway timeouts.
	outcome := s.dispatcher.Handle(context.WithoutCancel(r.Context()), ev)
	s.logger.Debug("event handled", "group_id", ev.GroupID, "outcome", outcome)
	acknowledge(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GroupSummary describes one group with stored conversation state.
type GroupSummary struct {
	GroupID  int64 `json:"group_id"`
	Messages int   `json:"messages"`
}

// UsageStatsResponse is the body of GET /api/stats/usage.
type UsageStatsResponse struct {
	*ledger.Stats
	Groups        []GroupSummary `json:"groups"`
	DedupeEntries int            `json:"dedupe_entries"`
}

// handleUsageStats reports ledger totals, optionally narrowed by ?group=<id>
// and ?since=<RFC3339>, along with the stored groups and dedupe occupancy.
func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("usage stats requested", "subject", auth.SubjectFromContext(r.Context()))
	if s.ledger == nil {
		sendJSONError(w, http.StatusNotFound, "usage ledger is disabled")
		return
	}

	var filter ledger.Filter
	q := r.URL.Query()
	if v := q.Get("group"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid group id")
			return
		}
		filter.GroupID = &id
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid since (want RFC3339)")
			return
		}
		filter.Since = &since
	}

	stats, err := s.ledger.Stats(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query usage stats", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	if stats.Providers == nil {
		stats.Providers = []ledger.ProviderStats{}
	}

	resp := UsageStatsResponse{
		Stats:         stats,
		Groups:        []GroupSummary{},
		DedupeEntries: s.dedupe.Len(),
	}
	for _, id := range s.store.Groups() {
		if filter.GroupID != nil && *filter.GroupID != id {
			continue
		}
		resp.Groups = append(resp.Groups, GroupSummary{GroupID: id, Messages: s.store.Len(id)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GroupHistoryResponse is the body of GET /api/groups/{id}/history.
type GroupHistoryResponse struct {
	GroupID  int64                  `json:"group_id"`
	Provider string                 `json:"provider"`
	MaxTurns int                    `json:"max_turns"`
	Messages []conversation.Message `json:"messages"`
}

func (s *Server) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	s.logger.Debug("group history requested", "group_id", groupID, "subject", auth.SubjectFromContext(r.Context()))

	writeJSON(w, http.StatusOK, GroupHistoryResponse{
		GroupID:  groupID,
		Provider: s.policy.ProviderFor(groupID),
		MaxTurns: s.store.MaxTurns(),
		Messages: s.store.Messages(groupID, s.policy.Prompt(groupID)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
