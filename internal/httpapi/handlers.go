package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"guildpost.org/internal/auth"
	"guildpost.org/internal/obs"
)

// ReadyProbe — readiness check (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the transport-level per-IP limit. Zero disables it.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSecond = perSecond
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// API — HTTP layer over the identity service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string

	rateBurst     int
	ratePerSecond int
	maxBodyBytes  int64
}

func New(svc *auth.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		readyProbe:   rp,
		version:      version,
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// credential workflows
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password/change", a.handlePasswordChange)
	a.mux.HandleFunc("/v1/auth/password/reset-request", a.handleResetRequest)
	a.mux.HandleFunc("/v1/auth/password/reset-complete", a.handleResetComplete)
	a.mux.HandleFunc("/v1/auth/email/verify", a.handleEmailVerify)
	a.mux.HandleFunc("/v1/auth/email/resend", a.handleEmailResend)

	// sessions and accounts
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// platform and module grants
	a.mux.HandleFunc("/v1/admin/platform-grants", a.handlePlatformGrants)
	a.mux.HandleFunc("/v1/admin/platform-grants/", a.handlePlatformGrantResource)
	a.mux.HandleFunc("/v1/admin/module-leads", a.handleModuleLeads)
	a.mux.HandleFunc("/v1/admin/module-leads/", a.handleModuleLeadResource)

	// region memberships
	a.mux.HandleFunc("/v1/memberships", a.handleMyMemberships)
	a.mux.HandleFunc("/v1/memberships/", a.handleMembershipResource)
	a.mux.HandleFunc("/v1/regions/", a.handleRegionResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.rateBurst > 0 && a.ratePerSecond > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "guildpost-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "guildpost-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
