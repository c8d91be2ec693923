package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"opstracker/backend/internal/domain"
	"opstracker/backend/internal/logging"
	"opstracker/backend/internal/metrics"
	"opstracker/backend/internal/service"
	"opstracker/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	Metrics       *metrics.Metrics
	Logger        logrus.FieldLogger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	metrics       *metrics.Metrics
	logger        logrus.FieldLogger
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		metrics:       opts.Metrics,
		logger:        logger,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(limitBody)
	r.Use(a.instrument)

	r.Get("/healthz", a.handleHealth)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleOperator, RoleViewer))

			r.Get("/purchases", a.handleListPurchases)
			r.Get("/purchases/{id}", a.handleGetPurchase)
			r.Get("/batches", a.handleListBatches)
			r.Get("/sales", a.handleListSales)
			r.Get("/returns", a.handleListReturns)
			r.Get("/expenses", a.handleListExpenses)
			r.Get("/stock", a.handleListStock)
			r.Get("/rates", a.handleLookupRate)

			r.Route("/reports", func(r chi.Router) {
				r.Get("/profit-by-sale", a.handleProfitBySale)
				r.Get("/monthly", a.handleMonthlyReport)
				r.Get("/yearly", a.handleYearlyReport)
				r.Get("/net", a.handleNetOverview)
				r.Get("/batch-utilization", a.handleBatchUtilization)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(RoleOperator))

			r.Post("/purchases", a.handleRecordPurchase)
			r.Patch("/purchases/{id}", a.handleEditPurchase)
			r.Delete("/purchases/{id}", a.handleDeletePurchase)

			r.Post("/sales", a.handleRecordSale)
			r.Post("/sales/backfill-costs", a.handleBackfillCosts)
			r.Delete("/sales/{productID}", a.handleDeleteSale)
			r.Post("/sales/{productID}/restore", a.handleRestoreSale)

			r.Post("/returns", a.handleRecordReturn)
			r.Patch("/returns/{id}/restock", a.handleSetReturnRestock)
			r.Post("/returns/{id}/reverse-restock", a.handleReverseRestock)
			r.Delete("/returns/{id}", a.handleDeleteReturn)
			r.Post("/returns/{id}/restore", a.handleRestoreReturn)

			r.Post("/expenses", a.handleCreateExpense)
			r.Patch("/expenses/{id}", a.handleEditExpense)
			r.Delete("/expenses/{id}", a.handleDeleteExpense)
			r.Post("/expenses/{id}/unlink", a.handleUnlinkExpense)
			r.Post("/expenses/redistribute", a.handleRedistribute)

			r.Post("/stock/rebuild", a.handleRebuildStock)
			r.Post("/rates/override", a.handleOverrideRate)
			r.Post("/rates/flush", a.handleFlushRates)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				a.writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"at":            time.Now().UTC().Format(time.RFC3339),
		"base_currency": a.service.BaseCurrency(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records every request under its route pattern, so path
// parameters do not explode the label set.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(startedAt)
		a.metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
		a.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   status,
			"duration": elapsed.String(),
		}).Debug("http request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseOptionalBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.NewValidationError(key, "must be a boolean")
	}
	return value, nil
}

func parseOptionalInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(key, "must be an integer")
	}
	return value, nil
}

// respondError maps service errors onto status codes.
func (a *API) respondError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	var rate *domain.RateNotFoundError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.As(err, &rate):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  rate.Error(),
			"from":   rate.From,
			"to":     rate.To,
			"date":   rate.Date,
			"notice": "resubmit with manual_rate to record this entry",
		})
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrConsistency):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrInvalidTransaction):
		a.writeError(w, http.StatusBadRequest, err)
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		logging.LogError(a.logger, "httpapi", "writeError", "", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
