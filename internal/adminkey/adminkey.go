// Package adminkey implements the administrative bootstrap endpoint that
// mints the first API key for a tenant (POST /v1/admin/create-key), gated
// by a constant-time comparison against ADMIN_BOOTSTRAP_TOKEN.
package adminkey

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentos/agentos/internal/authn"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/store"
	"github.com/google/uuid"
)

// Store is the subset of internal/store's API this package needs.
type Store interface {
	CreateAPIKey(ctx context.Context, key store.APIKey) error
	RequeueJobs(ctx context.Context, status string, limit int) (int64, error)
}

// Handlers serves the admin bootstrap and job-requeue endpoints.
type Handlers struct {
	Store          Store
	BootstrapToken string
	Logger         *slog.Logger
	Production     bool
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	httpserver.WriteAPIError(w, h.Logger, h.Production, err)
}

type createKeyRequest struct {
	Token    string `json:"token" validate:"required"`
	Label    string `json:"label" validate:"omitempty,max=256"`
	TenantID string `json:"tenant_id" validate:"omitempty,max=128"`
}

type createKeyResponse struct {
	OK     bool   `json:"ok"`
	APIKey string `json:"api_key"`
}

// HandleCreateKey implements POST /v1/admin/create-key. The endpoint sits
// behind the standard pre-auth limiter but does not itself require a bearer
// token — it is gated solely by the bootstrap token in the body, which is
// why it must be rate-limited tightly (10/min, per spec defaults).
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if h.BootstrapToken == "" || subtle.ConstantTimeCompare([]byte(req.Token), []byte(h.BootstrapToken)) != 1 {
		h.writeError(w, httpserver.ErrUnauthorized("invalid bootstrap token"))
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = uuid.NewString()
	}

	id := uuid.NewString()
	secret := uuid.NewString() + uuid.NewString()
	secretHash, err := authn.HashSecret(secret)
	if err != nil {
		h.writeError(w, fmt.Errorf("hashing new api key secret: %w", err))
		return
	}

	key := store.APIKey{
		ID:         id,
		TenantID:   tenantID,
		SecretHash: secretHash,
		Scopes:     []string{string(authn.ScopeMemoryRead), string(authn.ScopeMemoryWrite), string(authn.ScopeSearchRead)},
		Label:      req.Label,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Store.CreateAPIKey(r.Context(), key); err != nil {
		h.writeError(w, fmt.Errorf("creating api key: %w", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, createKeyResponse{OK: true, APIKey: id + "." + secret})
}

type requeueJobsRequest struct {
	Status string `json:"status" validate:"required,oneof=queued running succeeded failed done"`
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=1000"`
}

type requeueJobsResponse struct {
	OK       bool  `json:"ok"`
	Requeued int64 `json:"requeued"`
}

// HandleRequeueJobs implements POST /v1/admin/requeue-jobs, a supplemented
// admin operation exposing the privileged requeue described in spec §4.8.
// Requires the admin scope (checked by the caller's RequireScope middleware,
// not here) rather than the bootstrap token. The requeue is not limited to
// the caller's tenant: it resets matching jobs of every tenant.
func (h *Handlers) HandleRequeueJobs(w http.ResponseWriter, r *http.Request) {
	var req requeueJobsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}

	n, err := h.Store.RequeueJobs(r.Context(), req.Status, limit)
	if err != nil {
		h.writeError(w, fmt.Errorf("requeuing jobs: %w", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, requeueJobsResponse{OK: true, Requeued: n})
}
