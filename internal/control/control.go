// Package control is the operator-facing HTTP API: fleet operations, smart
// charging commands, session history, and fault injection.
package control

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"voltfleet/internal/csms"
	"voltfleet/internal/faults"
	"voltfleet/internal/manager"
	"voltfleet/internal/storage"
)

const defaultRateLimit = 5000

// Config carries the control-plane settings.
type Config struct {
	APIKey     string // plain API key
	APIKeyHash string // bcrypt hash, wins over the plain key when set
	JWTSecret  string
	TokenTTL   time.Duration
	RateLimit  int // requests per credential per hour
}

// Deps are the collaborators the API drives.
type Deps struct {
	Fleet   *manager.Manager
	Backend *csms.Backend
	Store   storage.Store
	Faults  *faults.Injector
	Logger  *zap.Logger
}

// API is the control-plane HTTP layer.
type API struct {
	fleet   *manager.Manager
	backend *csms.Backend
	store   storage.Store
	faults  *faults.Injector
	logger  *zap.Logger
	keys    keyChecker
	tokens  *TokenService
	limiter *rateLimiter
}

// New builds the API.
func New(cfg Config, deps Deps) *API {
	limit := cfg.RateLimit
	if limit == 0 {
		limit = defaultRateLimit
	}
	return &API{
		fleet:   deps.Fleet,
		backend: deps.Backend,
		store:   deps.Store,
		faults:  deps.Faults,
		logger:  deps.Logger.With(zap.String("component", "control")),
		keys:    keyChecker{plain: cfg.APIKey, hash: cfg.APIKeyHash},
		tokens:  NewTokenService(cfg.JWTSecret, cfg.TokenTTL),
		limiter: newRateLimiter(limit),
	}
}

// Router assembles the route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "x-api-key"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Post("/auth/token", a.handleToken)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/stations", a.handleListStations)
		r.Post("/stations/scale", a.handleScale)
		r.Post("/stations/start", a.handleStartStation)
		r.Post("/stations/stop", a.handleStopStation)
		r.Post("/stations/start_all", a.handleStartAll)
		r.Post("/stations/stop_all", a.handleStopAll)
		r.Get("/stations/{id}/logs", a.handleStationLogs)

		r.Get("/pricing", a.handleGetPricing)
		r.Post("/pricing", a.handleSetPricing)
		r.Get("/totals", a.handleTotals)
		r.Get("/sessions", a.handleSessions)

		r.Post("/stations/{id}/charging_profile", a.handleSendChargingProfile)
		r.Get("/stations/{id}/composite_schedule", a.handleCompositeSchedule)
		r.Delete("/stations/{id}/charging_profile", a.handleClearChargingProfile)
		r.Post("/stations/{id}/test_profiles", a.handleTestProfiles)

		r.Post("/stations/{id}/faults", a.handleInjectFault)
		r.Get("/faults/events", a.handleFaultEvents)
	})

	return r
}

// authenticate accepts an x-api-key header or a Bearer JWT, then applies
// the hourly rate limit per credential.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get("x-api-key")
		switch {
		case credential != "":
			if !a.keys.check(credential) {
				writeDetail(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		default:
			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeDetail(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			token := strings.TrimSpace(parts[1])
			if _, err := a.tokens.ValidateToken(token); err != nil {
				writeDetail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			credential = token
		}

		if !a.limiter.allow(credential) {
			writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleToken mints a JWT for a valid API key presented in the header or
// the body.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("x-api-key")
	if key == "" {
		var body struct {
			APIKey string `json:"api_key"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		key = body.APIKey
	}
	if !a.keys.check(key) {
		writeDetail(w, http.StatusUnauthorized, "invalid API key")
		return
	}

	token, err := a.tokens.GenerateToken()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to mint token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(a.tokens.ExpiresIn().Seconds()),
	})
}
