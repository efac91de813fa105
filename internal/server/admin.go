package server

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/internal/store"
	"github.com/ariezmeoww/voidai-backend-sub000/internal/subprovider"
	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

// admin wraps authed with a master-admin gate. Non-admin keys get a 403
// without revealing whether the route exists for anyone.
func (s *Server) admin(route string, h authedHandler) fasthttp.RequestHandler {
	return s.authed(route, func(ctx *fasthttp.RequestCtx, u *store.User) {
		if !u.IsMasterAdmin {
			apierr.Write(ctx, fasthttp.StatusForbidden,
				"admin access required",
				apierr.TypeAuthenticationErr, "insufficient_permissions")
			return
		}
		h(ctx, u)
	})
}

// subProviderEnvelope is the admin view of one credential. The key itself is
// never echoed back.
func subProviderEnvelope(snap subprovider.Snapshot) map[string]any {
	return map[string]any{
		"id":                 snap.ID,
		"provider_id":        snap.ProviderID,
		"name":               snap.Name,
		"enabled":            snap.Enabled,
		"weight":             snap.Weight,
		"priority":           snap.Priority,
		"has_key":            snap.HasKey,
		"breaker":            snap.Breaker,
		"health_score":       snap.HealthScore,
		"healthy":            snap.Healthy,
		"total_requests":     snap.TotalRequests,
		"success_rate":       snap.SuccessRate,
		"consecutive_errors": snap.ConsecutiveErrors,
		"avg_latency_ms":     snap.AvgLatencyMs,
	}
}

func (s *Server) handleSubProviderList(ctx *fasthttp.RequestCtx, _ *store.User) {
	snaps := s.subs.Snapshots()
	data := make([]map[string]any, len(snaps))
	for i, snap := range snaps {
		data[i] = subProviderEnvelope(snap)
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleSubProviderCreate(ctx *fasthttp.RequestCtx, _ *store.User) {
	var req struct {
		ID           string            `json:"id"`
		ProviderID   string            `json:"provider_id"`
		Name         string            `json:"name"`
		APIKey       string            `json:"api_key"`
		Weight       float64           `json:"weight"`
		Priority     int               `json:"priority"`
		ModelMapping map[string]string `json:"model_mapping"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if req.ID == "" || req.ProviderID == "" || req.APIKey == "" {
		writeInvalid(ctx, "fields 'id', 'provider_id' and 'api_key' are required")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.Weight <= 0 {
		req.Weight = 1
	}

	sealed, err := s.keyring.Seal(req.APIKey)
	if err != nil {
		s.log.ErrorContext(ctx, "seal sub-provider key failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	rec := &store.SubProvider{
		ID:           req.ID,
		ProviderID:   req.ProviderID,
		Name:         req.Name,
		EncryptedKey: sealed,
		Enabled:      true,
		Weight:       req.Weight,
		Priority:     req.Priority,
		ModelMapping: req.ModelMapping,
	}
	if err := s.subs.Register(ctx, rec); err != nil {
		s.log.ErrorContext(ctx, "register sub-provider failed",
			"sub_provider", req.ID, "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	snap, _ := s.subs.Snapshot(req.ID)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, subProviderEnvelope(snap))
}

func (s *Server) setSubProviderEnabled(ctx *fasthttp.RequestCtx, enabled bool) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.subs.SetEnabled(ctx, id, enabled); err != nil {
		s.writeAdminError(ctx, id, err)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "enabled": enabled})
}

func (s *Server) handleSubProviderEnable(ctx *fasthttp.RequestCtx, _ *store.User) {
	s.setSubProviderEnabled(ctx, true)
}

func (s *Server) handleSubProviderDisable(ctx *fasthttp.RequestCtx, _ *store.User) {
	s.setSubProviderEnabled(ctx, false)
}

func (s *Server) handleSubProviderBreaker(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	var req struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}

	var err error
	switch req.State {
	case "open":
		err = s.subs.OpenBreaker(ctx, id)
	case "closed":
		err = s.subs.CloseBreaker(ctx, id)
	case "half-open":
		err = s.subs.HalfOpenBreaker(ctx, id)
	default:
		writeInvalid(ctx, "field 'state' must be one of open, closed, half-open")
		return
	}
	if err != nil {
		s.writeAdminError(ctx, id, err)
		return
	}

	snap, _ := s.subs.Snapshot(id)
	writeJSON(ctx, subProviderEnvelope(snap))
}

func (s *Server) handleSubProviderDelete(ctx *fasthttp.RequestCtx, _ *store.User) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.subs.Remove(ctx, id); err != nil {
		s.writeAdminError(ctx, id, err)
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "deleted": true})
}

func (s *Server) handleCreditsReset(ctx *fasthttp.RequestCtx, _ *store.User) {
	var req struct {
		IDs    []string `json:"ids"`
		Amount int64    `json:"amount"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeInvalid(ctx, "invalid JSON: %s", err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeInvalid(ctx, "field 'ids' must not be empty")
		return
	}
	if req.Amount < 0 {
		writeInvalid(ctx, "field 'amount' must not be negative")
		return
	}

	if err := s.users.ResetCredits(ctx, req.IDs, req.Amount); err != nil {
		s.log.ErrorContext(ctx, "credits reset failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"reset": len(req.IDs), "amount": req.Amount})
}

func (s *Server) writeAdminError(ctx *fasthttp.RequestCtx, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"sub-provider "+id+" does not exist",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	s.log.ErrorContext(ctx, "admin operation failed", "sub_provider", id, "error", err)
	apierr.Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
}
