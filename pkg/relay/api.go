package relay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/atmosphere-mesh/atmosphere/pkg/ratelimit"
)

// API is the relay's HTTP surface: the websocket upgrade endpoint plus
// a small read-only status API. Errors follow RFC 7807 Problem Details.
type API struct {
	hub       *Hub
	store     Store
	limiter   *ratelimit.Limiter
	authToken string
	started   time.Time
	mux       *http.ServeMux
}

// NewAPI builds the handler. limiter may be nil to disable rate
// limiting, authToken may be empty to leave the status API open.
func NewAPI(hub *Hub, store Store, limiter *ratelimit.Limiter, authToken string) *API {
	a := &API{
		hub:       hub,
		store:     store,
		limiter:   limiter,
		authToken: authToken,
		started:   time.Now(),
		mux:       http.NewServeMux(),
	}
	a.registerRoutes()
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) registerRoutes() {
	// Public (no auth)
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)

	// Node traffic
	a.mux.HandleFunc("GET /ws", a.rateLimit(a.hub.HandleWS))

	// Status API
	a.mux.HandleFunc("GET /stats", a.requireAuth(a.rateLimit(a.handleStats)))
	a.mux.HandleFunc("GET /api/meshes", a.requireAuth(a.rateLimit(a.handleListMeshes)))
	a.mux.HandleFunc("GET /api/meshes/{mesh_id}", a.requireAuth(a.rateLimit(a.handleGetMesh)))
}

// --- Middleware ---

// requireAuth checks the bearer token when one is configured. An empty
// token leaves the endpoint open, which suits private deployments.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.authToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(a.authToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid bearer token")
				return
			}
		}
		next(w, r)
	}
}

// rateLimit enforces the per-IP token bucket. If no limiter is
// configured, the middleware is a no-op.
func (a *API) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil {
			key := clientIP(r)
			allowed, remaining, retryAfter := a.limiter.Reserve(key)
			var resetIn time.Duration
			if allowed {
				resetIn = time.Duration(float64(time.Second) / a.limiter.Rate())
			} else {
				resetIn = retryAfter
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(a.limiter.Burst()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(resetIn).Unix(), 10))
			if !allowed {
				retrySecs := (int(retryAfter.Milliseconds()) + 999) / 1000
				w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded. Please retry later.")
				return
			}
		}
		next(w, r)
	}
}

// clientIP resolves the caller address, honoring the first hop of
// X-Forwarded-For for deployments behind a load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Handlers ---

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "atmosphere-relay",
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, err := a.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	resp := map[string]any{
		"service":        "atmosphere-relay",
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
		"meshes_online":  a.hub.MeshesOnline(),
		"clients_online": a.hub.TotalClients(),
		"counters":       counters,
	}
	if a.limiter != nil {
		resp["rate_limiter"] = a.limiter.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListMeshes(w http.ResponseWriter, r *http.Request) {
	meshes, err := a.store.ListMeshes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	type meshSummary struct {
		MeshID       string    `json:"mesh_id"`
		Name         string    `json:"name,omitempty"`
		RegisteredAt time.Time `json:"registered_at"`
		LastSeen     time.Time `json:"last_seen"`
		Online       int       `json:"online"`
	}
	out := make([]meshSummary, 0, len(meshes))
	for _, m := range meshes {
		out = append(out, meshSummary{
			MeshID:       m.MeshID,
			Name:         m.Name,
			RegisteredAt: m.RegisteredAt,
			LastSeen:     m.LastSeen,
			Online:       a.hub.onlineCount(m.MeshID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"meshes": out,
		"count":  len(out),
	})
}

func (a *API) handleGetMesh(w http.ResponseWriter, r *http.Request) {
	meshID := r.PathValue("mesh_id")

	mesh, err := a.store.GetMesh(r.Context(), meshID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("mesh %s not registered", meshID))
		return
	}

	devices, err := a.store.ListDevices(r.Context(), meshID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mesh":         mesh,
		"device_count": len(devices),
		"online":       a.hub.MeshPeers(meshID),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[Relay] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := map[string]any{
		"type":   fmt.Sprintf("https://atmosphere-mesh.dev/errors/%s", errType),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Relay] write error response: %v", err)
	}
}
