package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentos/agentos/internal/authn"
	"github.com/agentos/agentos/internal/embed"
	"github.com/agentos/agentos/internal/httpserver"
	"github.com/agentos/agentos/internal/idempotency"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Handlers wires the memory Service (and, for SEARCH, an embed.Searcher)
// onto HTTP endpoints matching the service's wire contract.
type Handlers struct {
	Service    *Service
	Searcher   *embed.Searcher
	Idempotent *idempotency.Service
	Logger     *slog.Logger
	Production bool
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	httpserver.WriteAPIError(w, h.Logger, h.Production, err)
}

// readIdentity extracts the authenticated identity (tenant, key id, scopes)
// attached by the auth middleware.
func readIdentity(r *http.Request) authn.Identity {
	id, _ := authn.FromContext(r.Context())
	return id
}

// withIdempotency wraps a write handler (PUT/DELETE) with the C7 protocol:
// on a cached hit, writes the stored response verbatim; on a miss, runs
// handle and stores its response for next time. No-ops (just runs handle)
// when no Idempotency-Key header is present.
func (h *Handlers) withIdempotency(w http.ResponseWriter, r *http.Request, rawBody []byte, handle func(w http.ResponseWriter, r *http.Request)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		handle(w, r)
		return
	}

	if err := idempotency.ValidateKey(key); err != nil {
		h.writeError(w, err)
		return
	}

	id := readIdentity(r)
	lookup, err := h.Idempotent.Check(r.Context(), id.TenantID, key, rawBody)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if lookup.Hit {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(lookup.Status)
		_, _ = w.Write(lookup.Response)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	handle(rec, r)

	if rec.status < 400 {
		_ = h.Idempotent.Store(r.Context(), id.TenantID, key, lookup, json.RawMessage(rec.body.Bytes()), rec.status)
	}
}

// responseRecorder captures a handler's status/body so withIdempotency can
// persist it without double-executing the handler.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body too large or unreadable")
		return nil, false
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, true
}

type putRequest struct {
	AgentID     string          `json:"agent_id" validate:"required,max=128"`
	Path        string          `json:"path" validate:"required,max=512"`
	Value       json.RawMessage `json:"value" validate:"required"`
	TTLSeconds  *int64          `json:"ttl_seconds" validate:"omitempty,gt=0"`
	Tags        []string        `json:"tags" validate:"omitempty,max=50,dive,max=128"`
	Importance  float64         `json:"importance" validate:"gte=0,lte=1"`
	Searchable  bool            `json:"searchable"`
}

// HandlePut implements POST /v1/put.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	h.withIdempotency(w, r, raw, func(w http.ResponseWriter, r *http.Request) {
		var req putRequest
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}

		id := readIdentity(r)
		result, err := h.Service.Put(r.Context(), id.TenantID, PutInput{
			Agent:      req.AgentID,
			Path:       req.Path,
			Value:      req.Value,
			TTLSeconds: req.TTLSeconds,
			Tags:       req.Tags,
			Importance: req.Importance,
			Searchable: req.Searchable,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, result)
	})
}

type getRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Path    string `json:"path" validate:"required,max=512"`
}

// HandleGet implements POST /v1/get.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	var req getRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, err := h.Service.Get(r.Context(), id.TenantID, req.AgentID, req.Path)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type deleteRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Path    string `json:"path" validate:"required,max=512"`
}

// HandleDelete implements POST /v1/delete.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	h.withIdempotency(w, r, raw, func(w http.ResponseWriter, r *http.Request) {
		var req deleteRequest
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}

		id := readIdentity(r)
		result, err := h.Service.Delete(r.Context(), id.TenantID, req.AgentID, req.Path)
		if err != nil {
			h.writeError(w, err)
			return
		}
		httpserver.Respond(w, http.StatusOK, result)
	})
}

type historyRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Path    string `json:"path" validate:"required,max=512"`
	Limit   int    `json:"limit" validate:"omitempty,gte=1,lte=100"`
}

// HandleHistory implements POST /v1/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, err := h.Service.History(r.Context(), id.TenantID, req.AgentID, req.Path, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type listRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Prefix  string `json:"prefix" validate:"required,max=512"`
}

// HandleList implements POST /v1/list.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, err := h.Service.List(r.Context(), id.TenantID, req.AgentID, req.Prefix)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type globRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Pattern string `json:"pattern" validate:"required,max=512"`
}

// HandleGlob implements POST /v1/glob.
func (h *Handlers) HandleGlob(w http.ResponseWriter, r *http.Request) {
	var req globRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, err := h.Service.Glob(r.Context(), id.TenantID, req.AgentID, req.Pattern)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type dumpRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=128"`
	Limit   int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
}

// HandleDump implements POST /v1/dump, surfacing whether it was an X-Cache hit.
func (h *Handlers) HandleDump(w http.ResponseWriter, r *http.Request) {
	var req dumpRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, hit, err := h.Service.Dump(r.Context(), id.TenantID, req.AgentID, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// HandleAgents implements POST /v1/agents.
func (h *Handlers) HandleAgents(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	result, err := h.Service.Agents(r.Context(), id.TenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type searchRequest struct {
	AgentID    string   `json:"agent_id" validate:"required,max=128"`
	Query      string   `json:"query" validate:"required,max=2000"`
	Limit      int      `json:"limit" validate:"omitempty,gte=1,lte=50"`
	PathPrefix string   `json:"path_prefix" validate:"omitempty,max=512"`
	TagsAny    []string `json:"tags_any" validate:"omitempty,max=20,dive,max=128"`
}

// HandleSearch implements POST /v1/search.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := readIdentity(r)
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	resp, err := h.Searcher.Search(r.Context(), embed.SearchRequest{
		TenantID:   id.TenantID,
		Agent:      req.AgentID,
		Query:      req.Query,
		Limit:      limit,
		PathPrefix: req.PathPrefix,
		TagsAny:    req.TagsAny,
	})
	if err != nil {
		var apiErr *httpserver.APIError
		if errors.As(err, &apiErr) {
			h.writeError(w, err)
		} else {
			h.writeError(w, httpserver.ErrEmbeddingsAPI("embeddings service temporarily unavailable"))
		}
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}
