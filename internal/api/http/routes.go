package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mind-engage/mindengage-lti-tool/internal/logging"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/lti"
)

// Server holds the Tool's HTTP-facing components.
type Server struct {
	Sessions lti.SessionStore
	Login    *lti.LoginInitiator
	Launch   *lti.LaunchValidator
	Tokens   *lti.TokenIssuer
	Scores   *lti.ScoreReporter

	JWKS  http.Handler // /.well-known/jwks.json
	Admin http.Handler // mounted at /admin when set

	// TokenLimiter throttles /oauth2/token per client IP when set.
	TokenLimiter *RateLimiter

	CookieName   string
	CookieSecure bool
	CORSOrigins  []string

	// Ready backs /readyz (e.g. a DB ping). Nil means always ready.
	Ready func(ctx context.Context) error

	Logger zerolog.Logger
}

// Router builds the chi router with middleware and every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.RequestLogger(s.Logger), middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.readyz)

	if s.JWKS != nil {
		r.Method(http.MethodGet, "/.well-known/jwks.json", s.JWKS)
		r.Method(http.MethodHead, "/.well-known/jwks.json", s.JWKS)
	}

	r.Route("/lti", func(lr chi.Router) {
		lr.Get("/login", s.loginHandler)
		lr.Post("/login", s.loginHandler)
		lr.Post("/launch", s.launchHandler)
		lr.Get("/session", s.sessionHandler)
		lr.Post("/score", s.scoreHandler)
		lr.Get("/auth_code", s.authCodeHandler)
	})

	if s.Tokens != nil {
		h := http.Handler(s.Tokens.Handler())
		if s.TokenLimiter != nil {
			h = s.TokenLimiter.Middleware(h)
		}
		// Method checking happens inside the issuer so a GET gets an OAuth error body.
		r.Handle("/oauth2/token", h)
	}

	if s.Admin != nil {
		r.Mount("/admin", s.Admin)
	}
	return r
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.Logger.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorsResp struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

func writeErrors(w http.ResponseWriter, status int, code string, errs ...string) {
	writeJSON(w, status, errorsResp{Error: code, Errors: errs})
}
