package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/dream-interpreter/internal/auth"
	"github.com/vnmchuo/dream-interpreter/internal/billing"
	"github.com/vnmchuo/dream-interpreter/internal/credits"
	"github.com/vnmchuo/dream-interpreter/internal/journal"
	"github.com/vnmchuo/dream-interpreter/internal/metrics"
	"github.com/vnmchuo/dream-interpreter/internal/prompt"
	"github.com/vnmchuo/dream-interpreter/internal/relay"
	"github.com/vnmchuo/dream-interpreter/pkg/ratelimit"
)

// maxBodyBytes leaves room for a maximum-length dream in multi-byte scripts
// plus a prior interpretation.
const maxBodyBytes = 64 << 10

// Deps are the collaborators a Handler talks to.
type Deps struct {
	Router  *Router
	Relay   *relay.Relay
	Ledger  credits.Ledger
	Billing billing.Store
	Journal journal.Store
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type Settings struct {
	InterpretationModel string
	GuidanceModel       string
	MaxTokens           int
	CostPerCall         int64
}

type Handler struct {
	Deps
	settings Settings
}

func NewHandler(deps Deps, settings Settings) *Handler {
	return &Handler{Deps: deps, settings: settings}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireUser writes a 401 and returns "" when the request carries no user.
func requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return userID
}

func (h *Handler) HandleInterpretation(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, prompt.EndpointInterpretation)
}

func (h *Handler) HandleGuidance(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, prompt.EndpointGuidance)
}

func (h *Handler) modelFor(e prompt.Endpoint) string {
	if e == prompt.EndpointGuidance {
		return h.settings.GuidanceModel
	}
	return h.settings.InterpretationModel
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, endpoint prompt.Endpoint) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	requestID := auth.GetRequestID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var in prompt.Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, relay.Message(acceptLanguage(r), relay.MsgInvalidBody))
		return
	}
	if err := in.Normalize(endpoint); err != nil {
		lang := in.Language
		if lang == "" {
			lang = acceptLanguage(r)
		}
		writeError(w, http.StatusBadRequest, relay.Message(lang, validationMessage(err)))
		return
	}

	model := h.modelFor(endpoint)
	ctx, span := h.Tracer.Start(r.Context(), "proxy."+string(endpoint))
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", model),
	)

	allowed, err := h.Limiter.Allow(ctx, userID)
	if err != nil {
		// Fail open when the limiter store is unreachable.
		log.Warn().Err(err).Str("request_id", requestID).Msg("rate limiter unavailable")
		allowed = true
	}
	if !allowed {
		h.Metrics.RateLimited(string(endpoint))
		w.Header().Set("Retry-After", strconv.Itoa(int(h.Limiter.RetryAfter().Seconds())))
		writeError(w, http.StatusTooManyRequests, relay.Message(in.Language, relay.MsgRateLimited))
		return
	}

	p, err := h.Router.Route(ctx, model)
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Str("model", model).Msg("no provider for model")
		writeError(w, http.StatusServiceUnavailable, relay.Message(in.Language, relay.MsgUnavailable))
		return
	}

	// Streams outlive the server's WriteTimeout; the relay's chunk timeout
	// bounds them instead.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug().Err(err).Str("request_id", requestID).Msg("could not clear write deadline")
	}

	h.Relay.Serve(w, r.WithContext(ctx), &relay.Call{
		Endpoint:  endpoint,
		UserID:    userID,
		RequestID: requestID,
		Model:     model,
		Messages:  prompt.Build(endpoint, in),
		MaxTokens: h.settings.MaxTokens,
		Cost:      h.settings.CostPerCall,
		Language:  in.Language,
		Source:    h.Router.Bind(p),
	})
}

func validationMessage(err error) relay.MessageKey {
	switch {
	case errors.Is(err, prompt.ErrDreamRequired):
		return relay.MsgDreamRequired
	case errors.Is(err, prompt.ErrDreamTooLong):
		return relay.MsgDreamTooLong
	case errors.Is(err, prompt.ErrInterpretationRequired):
		return relay.MsgInterpretationRequired
	case errors.Is(err, prompt.ErrInterpretationTooLong):
		return relay.MsgInterpretationTooLong
	case errors.Is(err, prompt.ErrInvalidLanguage):
		return relay.MsgInvalidLanguage
	}
	return relay.MsgInvalidBody
}

// acceptLanguage returns the first tag of the Accept-Language header.
func acceptLanguage(r *http.Request) string {
	tag, _, _ := strings.Cut(r.Header.Get("Accept-Language"), ",")
	tag, _, _ = strings.Cut(tag, ";")
	return strings.TrimSpace(tag)
}

func (h *Handler) HandleCredits(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	acct, err := h.Ledger.Account(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load account")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balance":         acct.Balance,
		"cost_per_call":   h.settings.CostPerCall,
		"referral_code":   acct.ReferralCode,
		"referred_by":     acct.ReferredBy,
		"last_bonus_date": acct.LastBonusDate,
	})
}

func (h *Handler) HandleDailyBonus(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	res, err := h.Ledger.ClaimDailyBonus(r.Context(), userID, time.Now())
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to claim daily bonus")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleReferral(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || credits.NormalizeCode(body.Code) == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.Ledger.ApplyReferral(r.Context(), userID, body.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case errors.Is(err, credits.ErrInvalidReferral), errors.Is(err, credits.ErrSelfReferral):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, credits.ErrAlreadyReferred):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("failed to apply referral")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}

	records, err := h.Billing.GetUsageByUser(ctx, userID, from, to)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load usage")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	totalCost, err := h.Billing.GetTotalCostByUser(ctx, userID, from, to)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load usage cost")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if records == nil {
		records = []*billing.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        userID,
		"total_requests": len(records),
		"total_cost_usd": totalCost,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleListJournal(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = n
	}

	entries, err := h.Journal.List(r.Context(), userID, limit)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to list journal")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) HandleCreateJournal(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	var e journal.Entry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := e.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e.ID = ""
	e.UserID = userID

	if err := h.Journal.Create(r.Context(), &e); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to create journal entry")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) HandleDeleteJournal(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}

	err := h.Journal.Delete(r.Context(), userID, chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, journal.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Str("user_id", userID).Msg("failed to delete journal entry")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
