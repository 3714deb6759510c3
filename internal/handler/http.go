package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/service"
	"github.com/tapgame-core/internal/websocket"
)

const maxBodyBytes = 1 << 20

// Error codes carried in APIResponse.Code
const (
	CodeNotFound      = "not_found"
	CodeInvalid       = "invalid"
	CodeInsufficient  = "insufficient_funds"
	CodeTryAgain      = "try_again"
	CodeCorruptRecord = "corrupt_record"
	CodeInternal      = "internal"
)

// Handler provides HTTP handlers for the player and admin APIs
type Handler struct {
	service *service.PlayerService
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.PlayerService, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/players/{ownerID}", func(r chi.Router) {
			playerRoutes(r, h)
			r.Route("/{username}", func(r chi.Router) {
				playerRoutes(r, h)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/health", h.AdminHealth)

			r.Route("/players", func(r chi.Router) {
				r.Get("/", h.ListPlayers)
				r.Get("/top", h.TopPlayers)
				r.Get("/stats", h.PlayerStats)
				r.Get("/{ownerID}/rank", h.PlayerRank)
				r.Get("/{ownerID}/{username}/rank", h.PlayerRank)
				r.Post("/{ownerID}/archive", h.ArchivePlayer)
				r.Post("/{ownerID}/{username}/archive", h.ArchivePlayer)
			})

			r.Route("/config", func(r chi.Router) {
				r.Post("/sync", h.SyncConfig)
				r.Get("/{variant}", h.ListConfig)
				r.Put("/{variant}", h.SaveConfig)
				r.Get("/{variant}/{id}", h.GetConfig)
				r.Delete("/{variant}/{id}", h.DeleteConfig)
			})
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

func playerRoutes(r chi.Router, h *Handler) {
	r.Get("/", h.GetPlayer)
	r.Patch("/", h.UpdatePlayer)
	r.Post("/login", h.RecordLogin)
	r.Post("/upgrades", h.PurchaseUpgrade)
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, code string, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

// writeServiceError maps a service error onto a status code
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		h.writeError(w, http.StatusBadRequest, CodeInsufficient, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, CodeNotFound, err)
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
	case errors.Is(err, domain.ErrLockTimeout), errors.Is(err, domain.ErrStoreDraining):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, CodeTryAgain, domain.ErrTryAgain)
	case errors.Is(err, domain.ErrCorruptRecord):
		h.logger.Error("corrupt record", "op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeCorruptRecord, domain.ErrCorruptRecord)
	default:
		h.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternal, domain.ErrInternalError)
	}
}

// playerKey reads the player key from the URL
func playerKey(r *http.Request) (domain.PlayerKey, error) {
	key := domain.PlayerKey{
		OwnerID:  chi.URLParam(r, "ownerID"),
		Username: chi.URLParam(r, "username"),
	}.Normalized()
	return key, key.Validate()
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			return v
		}
	}
	return def
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.service.HealthCheck(r.Context())
	if !report.Healthy {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    map[string]string{"status": "unhealthy", "state": report.State},
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	report := h.service.HealthCheck(r.Context())
	if report.State != "running" {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    map[string]string{"status": report.State},
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// AdminHealth returns the full health report
func (h *Handler) AdminHealth(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.service.HealthCheck(r.Context()))
}

// GetPlayer returns a player's state, creating it on first access
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	rec, err := h.service.GetPlayerState(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, "get player", err)
		return
	}

	h.writeSuccess(w, rec)
}

// UpdatePlayer applies a partial update
func (h *Handler) UpdatePlayer(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	var patch domain.PlayerPatch
	if err := decodeBody(r, &patch); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.service.UpdatePlayerState(r.Context(), key, patch)
	if err != nil {
		h.writeServiceError(w, r, "update player", err)
		return
	}

	h.writeSuccess(w, rec)
}

// RecordLogin stamps a login and applies energy regeneration and resets
func (h *Handler) RecordLogin(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	rec, err := h.service.RecordLogin(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, "record login", err)
		return
	}

	h.writeSuccess(w, rec)
}

// PurchaseRequest is the body of an upgrade purchase
type PurchaseRequest struct {
	UpgradeID   string `json:"upgrade_id"`
	TargetLevel int    `json:"target_level"`
	Cost        int64  `json:"cost"`
}

// PurchaseUpgrade buys an upgrade level
func (h *Handler) PurchaseUpgrade(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	var req PurchaseRequest
	if err := decodeBody(r, &req); err != nil || req.UpgradeID == "" {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, domain.ErrInvalidRequest)
		return
	}

	rec, err := h.service.PurchaseUpgrade(r.Context(), key, req.UpgradeID, req.TargetLevel, req.Cost)
	if err != nil {
		h.writeServiceError(w, r, "purchase upgrade", err)
		return
	}

	h.writeSuccess(w, rec)
}

// ListPlayers returns a page of player summaries. Listings come from the
// query mirror and may lag recent writes.
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	players, err := h.service.ListPlayers(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, "list players", err)
		return
	}
	total, err := h.service.CountPlayers(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "count players", err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"players": players,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// TopPlayers returns the players with the most points
func (h *Handler) TopPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.service.TopPlayers(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		h.writeServiceError(w, r, "top players", err)
		return
	}

	h.writeSuccess(w, players)
}

// PlayerStats returns totals over all players
func (h *Handler) PlayerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PlayerStats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "player stats", err)
		return
	}

	h.writeSuccess(w, stats)
}

// PlayerRank returns a player's points rank
func (h *Handler) PlayerRank(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	rank, err := h.service.PlayerRank(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, "player rank", err)
		return
	}

	h.writeSuccess(w, map[string]interface{}{
		"player_key": key.String(),
		"rank":       rank,
	})
}

// ArchivePlayer moves a player out of the live store
func (h *Handler) ArchivePlayer(w http.ResponseWriter, r *http.Request) {
	key, err := playerKey(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	path, err := h.service.ArchivePlayer(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, "archive player", err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "archived", "path": path})
}

func variantParam(r *http.Request) (domain.Variant, error) {
	return domain.ParseVariant(chi.URLParam(r, "variant"))
}

// ListConfig returns every entity of a variant
func (h *Handler) ListConfig(w http.ResponseWriter, r *http.Request) {
	v, err := variantParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	entities, err := h.service.ListConfig(v)
	if err != nil {
		h.writeServiceError(w, r, "list config", err)
		return
	}

	h.writeSuccess(w, entities)
}

// GetConfig returns one entity
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	v, err := variantParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	entity, err := h.service.GetConfig(v, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "get config", err)
		return
	}

	h.writeSuccess(w, entity)
}

// SaveConfig writes an entity and resyncs its variant
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	v, err := variantParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, domain.ErrInvalidRequest)
		return
	}
	entity, err := domain.DecodeEntity(v, body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	report, err := h.service.SaveConfigEntity(r.Context(), entity)
	if err != nil {
		h.writeServiceError(w, r, "save config", err)
		return
	}

	h.writeSuccess(w, report)
}

// DeleteConfig removes an entity and resyncs its variant
func (h *Handler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	v, err := variantParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalid, err)
		return
	}

	report, err := h.service.DeleteConfigEntity(r.Context(), v, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, "delete config", err)
		return
	}

	h.writeSuccess(w, report)
}

// SyncConfig reloads every variant from disk
func (h *Handler) SyncConfig(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.SyncConfig(r.Context())
	if err != nil {
		h.logger.Warn("config sync finished with errors", "error", err)
	}

	h.writeSuccess(w, report)
}
