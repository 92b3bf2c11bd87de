package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/metering/internal/metering"
	"github.com/crosslogic/metering/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SourceHeader reports the funding source of an authorized request.
const SourceHeader = "X-Metering-Source"

type admitRequest struct {
	UserID string `json:"user_id"`
}

type admitResponse struct {
	Allowed bool            `json:"allowed"`
	Source  metering.Source `json:"source"`
}

type settleRequest struct {
	RequestID  string            `json:"request_id"`
	UserID     string            `json:"user_id"`
	Model      string            `json:"model"`
	Usage      models.TokenUsage `json:"usage"`
	ThreadID   string            `json:"thread_id,omitempty"`
	OccurredAt *time.Time        `json:"occurred_at,omitempty"`
}

type settleResponse struct {
	Status       string  `json:"status"`
	Recorded     bool    `json:"recorded"`
	Duplicate    bool    `json:"duplicate,omitempty"`
	UsageEventID string  `json:"usage_event_id,omitempty"`
	Cost         string  `json:"cost,omitempty"`
	Deduction    string  `json:"deduction,omitempty"`
	BalanceAfter *string `json:"balance_after,omitempty"`
}

func (g *Gateway) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		g.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	d := g.meter.Admit(r.Context(), req.UserID)
	if !d.Allowed {
		g.writeJSON(w, DenialStatus(d.Reason), d.Denial())
		return
	}

	g.writeJSON(w, http.StatusOK, admitResponse{Allowed: true, Source: d.Source})
}

// handleAuthorize answers proxy subrequests. The decision comes from RequireAdmission.
func (g *Gateway) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if d, ok := DecisionFromContext(r.Context()); ok {
		w.Header().Set(SourceHeader, string(d.Source))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sr := metering.SettleRequest{
		RequestID: req.RequestID,
		UserID:    strings.TrimSpace(req.UserID),
		ModelID:   req.Model,
		Usage:     req.Usage,
		ThreadID:  req.ThreadID,
	}
	if req.OccurredAt != nil {
		sr.OccurredAt = *req.OccurredAt
	}

	res, err := g.meter.Settle(r.Context(), sr)
	if errors.Is(err, metering.ErrInvalidUsage) {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		// The work already happened; the caller cannot do anything about a lost record.
		g.logger.Error("failed to record usage",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.String("model", req.Model),
			zap.String("http_request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		g.writeJSON(w, http.StatusAccepted, settleResponse{Status: "accepted", Recorded: false})
		return
	}

	resp := settleResponse{
		Status:    "accepted",
		Recorded:  true,
		Duplicate: res.Duplicate,
	}
	if res.Event != nil && !res.Duplicate {
		resp.UsageEventID = res.Event.ID.String()
		resp.Cost = res.Event.Cost.String()
		resp.Deduction = res.Deduction.String()
	}
	if res.Debit != nil {
		balance := res.Debit.BalanceAfter.String()
		resp.BalanceAfter = &balance
	}

	g.writeJSON(w, http.StatusAccepted, resp)
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		g.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	summary, err := g.meter.PeriodSummary(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to get period summary", zap.String("user_id", userID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to get usage")
		return
	}

	g.writeJSON(w, http.StatusOK, summary)
}

// queryLimit parses ?limit=, falling back to def for missing or malformed values.
func queryLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (g *Gateway) handleUsageEvents(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}

	list, err := g.opts.Events.ListEvents(r.Context(), userID, since, queryLimit(r, 100))
	if err != nil {
		g.logger.Error("failed to list usage events", zap.String("user_id", userID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list usage events")
		return
	}
	if list == nil {
		list = []models.UsageEvent{}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"events":  list,
	})
}

func (g *Gateway) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	txs, err := g.opts.Ledger.Transactions(r.Context(), userID, queryLimit(r, 50))
	if err != nil {
		g.logger.Error("failed to list wallet transactions", zap.String("user_id", userID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list wallet transactions")
		return
	}
	if txs == nil {
		txs = []models.WalletTransaction{}
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      userID,
		"transactions": txs,
	})
}
