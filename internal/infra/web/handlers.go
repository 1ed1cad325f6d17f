package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/infra/logging"
	"command-codes/internal/infra/metrics"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	maxBatch         = 1000
)

type codeResponse struct {
	Token       string   `json:"token"`
	Payload     string   `json:"payload"`
	UsesAllowed int      `json:"uses_allowed"`
	Remaining   int      `json:"remaining"`
	Status      string   `json:"status"`
	Redeemers   []string `json:"redeemers"`
}

func toResponse(c *model.Code) codeResponse {
	return codeResponse{
		Token:       c.Token,
		Payload:     c.Payload,
		UsesAllowed: c.UsesAllowed,
		Remaining:   c.Remaining(),
		Status:      c.Status().String(),
		Redeemers:   c.ToRecord().Redeemers,
	}
}

func toResponses(codes []*model.Code) []codeResponse {
	out := make([]codeResponse, len(codes))
	for i, c := range codes {
		out[i] = toResponse(c)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyRedeemed), errors.Is(err, domain.ErrTokenSpaceExhausted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreBusy):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusNotFound, "sessions are disabled")
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !keyMatches(req.APIKey, s.apiKey) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	tok, err := s.auth.Mint(w)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      tok,
		"expires_in": int(s.auth.TTL().Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Stats())
}

type generateRequest struct {
	Payload string `json:"payload"`
	Uses    int    `json:"uses"`
	Count   int    `json:"count"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Uses == 0 {
		req.Uses = s.defaultUses
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count > maxBatch {
		writeError(w, http.StatusBadRequest, "count must be at most "+strconv.Itoa(maxBatch))
		return
	}
	codes, err := s.reg.GenerateBatch(r.Context(), strings.TrimSpace(req.Payload), req.Uses, req.Count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"codes": toResponses(codes)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, err := model.ParseCodeStatus(q.Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var codes []*model.Code
	if status == model.CodeSpent {
		codes = s.reg.SpentCodes()
	} else {
		codes = s.reg.ActiveCodes()
	}
	total := len(codes)
	end := offset + limit
	if end > total {
		end = total
	}
	page := []*model.Code{}
	if offset < total {
		page = codes[offset:end]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status.String(),
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"codes":  toResponses(page),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.reg.Lookup(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(c))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, err := s.reg.Lookup(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.reg.Remove(c) {
		s.fail(w, r, domain.ErrCodeNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type redeemRequest struct {
	Principal string `json:"principal"`
}

func (s *Server) principal(raw string) (model.PrincipalID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", domain.ErrInvalidArgument
	}
	if s.uuidPrincipals {
		id, err := uuid.Parse(raw)
		if err != nil {
			return "", domain.ErrInvalidArgument
		}
		raw = id.String()
	}
	return model.PrincipalID(raw), nil
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	principal, err := s.principal(req.Principal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	}
	ctx = logging.WithPrincipal(ctx, string(principal))
	l := logging.With(ctx, s.log)

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, "redeem:"+string(principal))
		if err != nil {
			l.Warn().Err(err).Msg("rate limiter unavailable; allowing request")
		} else if !ok {
			metrics.IncRateLimited()
			writeError(w, http.StatusTooManyRequests, "too many redemption attempts")
			return
		}
	}

	code, err := s.reg.Redeem(ctx, principal, chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	dispatched := s.dispatch(ctx, principal, code.Payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       toResponse(code),
		"exhausted":  code.IsSpent(),
		"dispatched": dispatched,
	})
}

// dispatch queues the payload for execution. The redemption already
// happened, so a full queue only loses the dispatch and is logged.
func (s *Server) dispatch(ctx context.Context, principal model.PrincipalID, payload string) bool {
	if s.disp == nil || s.tasks == nil {
		return false
	}
	name := s.disp.Name()
	traceID := logging.TraceID(ctx)
	err := s.tasks.Submit(func(wctx context.Context) error {
		wctx = logging.WithPrincipal(logging.WithTraceID(wctx, traceID), string(principal))
		if err := s.disp.Dispatch(wctx, principal, payload); err != nil {
			metrics.IncDispatch(name, "error")
			return err
		}
		metrics.IncDispatch(name, "ok")
		return nil
	})
	if err != nil {
		metrics.IncDispatch(name, "dropped")
		logging.With(ctx, s.log).Error().Err(err).Msg("payload dispatch dropped")
		return false
	}
	return true
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Save(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Stats())
}
