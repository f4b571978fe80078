package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/mind-engage/mindengage-lti-tool/internal/api/http"
	"github.com/mind-engage/mindengage-lti-tool/internal/config"
	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/logging"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/admin"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

func main() {
	cfg := config.FromEnv()
	log := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	defer dbh.Close()
	registry := platforms.NewSQLStore(dbh)

	// --- LTI components ---
	platformHTTP := &http.Client{Timeout: 15 * time.Second}
	srv := &api.Server{
		Sessions: lti.NewMemorySessionStore(cfg.SessionTTL),
		Login:    &lti.LoginInitiator{Registry: registry, Logger: log.With().Str("component", "login").Logger()},
		Launch: &lti.LaunchValidator{
			Keys:       lti.NewKeyResolver(platformHTTP, cfg.JWKSCacheTTL, log.With().Str("component", "keys").Logger()),
			PathSuffix: cfg.LaunchPathSuffix,
			Logger:     log.With().Str("component", "launch").Logger(),
		},
		Tokens: &lti.TokenIssuer{Logger: log.With().Str("component", "token").Logger()},
		Scores: &lti.ScoreReporter{
			RedirectURI: cfg.AuthCodeRedirectURI,
			HTTP:        platformHTTP,
			Logger:      log.With().Str("component", "score").Logger(),
		},
		JWKS:         &keys.JWKSHandler{Source: registry},
		TokenLimiter: api.NewRateLimiter(cfg.TokenRateLimit, cfg.TokenRateBurst, 0, log),
		CookieName:   cfg.SessionCookieName,
		CookieSecure: cfg.SessionCookieSecure,
		CORSOrigins:  cfg.CORSOrigins,
		Ready:        dbh.PingContext,
		Logger:       log,
	}

	if cfg.AdminPassHash != "" {
		adminLog := log.With().Str("component", "admin").Logger()
		srv.Admin = withMiddleware(
			admin.Routes(registry, keys.Generator{}, adminLog),
			admin.RequireBasicAuth(cfg.AdminUser, cfg.AdminPassHash),
		)
	} else {
		log.Warn().Msg("ADMIN_PASS_HASH not set; /admin not mounted")
	}

	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				srv.TokenLimiter.Cleanup(30 * time.Minute)
			}
		}
	}()

	hs := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("db", cfg.DBDriver).Str("public_url", cfg.PublicURL).Msg("lti tool listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server failed")
	}
}

func withMiddleware(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
