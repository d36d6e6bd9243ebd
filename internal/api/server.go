// Package api exposes device registration, event management and the admin
// surface over HTTP.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"push-server/internal/dispatch"
	"push-server/internal/logger"
	"push-server/internal/metrics"
	"push-server/internal/model"
	"push-server/internal/pushdb"
)

const (
	apiKeyHeader = "X-Api-Key"
	otpHeader    = "X-Admin-Otp"
	maxBodyBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type ctxKey int

const apiKeyCtx ctxKey = iota

// Server holds the route handlers' dependencies.
type Server struct {
	DB         *pushdb.DB
	Dispatcher *dispatch.Dispatcher
	Feed       *FeedHub
	Metrics    *metrics.Metrics

	// AdminTOTPSecret, when set, requires a current TOTP code on admin routes.
	AdminTOTPSecret string

	Now func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// NewRouter builds the route table.
func (s *Server) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.observe)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	v2 := router.PathPrefix("/v2").Subrouter()
	v2.Use(s.requireAPIKey)
	v2.HandleFunc("/device", s.handleDevice).Methods(http.MethodPost)
	v2.HandleFunc("/device/update", s.handleDeviceUpdate).Methods(http.MethodPost)
	v2.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	v2.HandleFunc("/login/update", s.handleLoginUpdate).Methods(http.MethodPost)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(s.requireAPIKey, s.requireAdmin)
	v1.HandleFunc("/notification/send", s.handleMarketing).Methods(http.MethodPost)
	v1.HandleFunc("/admin/devices/{deviceId}", s.handleAdminDevice).Methods(http.MethodGet)
	v1.HandleFunc("/admin/devices/{deviceId}/events", s.handleAdminDeviceEvents).Methods(http.MethodGet)
	v1.HandleFunc("/admin/logins/{loginId}/events", s.handleAdminLoginEvents).Methods(http.MethodGet)
	v1.HandleFunc("/admin/events/{key}", s.handleAdminEvent).Methods(http.MethodGet)
	v1.HandleFunc("/admin/feed", s.handleFeed).Methods(http.MethodGet)

	return router
}

// ── Middleware ──

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithTraceID(r.Context(), logger.NewTraceID())
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.Metrics.Request(route, rec.code)
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(apiKeyHeader)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		key, err := s.DB.APIKeys.Get(r.Context(), raw)
		if errors.Is(err, pushdb.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtx, key)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r.Context())
		if !key.Admin {
			writeError(w, http.StatusUnauthorized, "admin api key required")
			return
		}
		if s.AdminTOTPSecret != "" {
			code := r.Header.Get(otpHeader)
			if code == "" {
				code = r.URL.Query().Get("otp")
			}
			if code == "" || !totp.Validate(code, s.AdminTOTPSecret) {
				writeError(w, http.StatusUnauthorized, "invalid one-time code")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func apiKeyFrom(ctx context.Context) model.APIKey {
	key, _ := ctx.Value(apiKeyCtx).(model.APIKey)
	return key
}

// ── Responses ──

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("[api] %s %s: %v (trace %s)", r.Method, r.URL.Path, err, logger.TraceID(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}
