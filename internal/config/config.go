package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string // sqlite|postgres
	DBDSN    string

	CORSOrigins []string

	LogLevel  string
	LogFormat string // console|json

	// LTI (Tool side)
	LaunchPathSuffix    string
	SessionTTL          time.Duration
	SessionCookieName   string
	SessionCookieSecure bool
	JWKSCacheTTL        time.Duration
	AuthCodeRedirectURI string // score-flow callback; defaults to PUBLIC_URL + /lti/auth_code

	// /oauth2/token per-IP limit
	TokenRateLimit int
	TokenRateBurst int

	// Admin API basic auth; empty AdminPassHash leaves /admin unmounted.
	AdminUser     string
	AdminPassHash string // bcrypt
}

func FromEnv() Config {
	pub := strings.TrimSuffix(os.Getenv("PUBLIC_URL"), "/")
	defCallback := ""
	if pub != "" {
		defCallback = pub + "/lti/auth_code"
	}
	return Config{
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		PublicURL:   pub,
		DBDriver:    envOr("DB_DRIVER", "sqlite"),
		DBDSN:       envOr("DB_DSN", ""),
		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "console"),

		LaunchPathSuffix:    os.Getenv("LAUNCH_PATH_SUFFIX"),
		SessionTTL:          envDuration("SESSION_TTL", 2*time.Hour),
		SessionCookieName:   envOr("SESSION_COOKIE_NAME", "lti_session"),
		SessionCookieSecure: envBool("SESSION_COOKIE_SECURE", strings.HasPrefix(pub, "https://")),
		JWKSCacheTTL:        envDuration("JWKS_CACHE_TTL", 10*time.Minute),
		AuthCodeRedirectURI: envOr("AUTH_CODE_REDIRECT_URI", defCallback),

		TokenRateLimit: envInt("TOKEN_RATE_LIMIT", 5),
		TokenRateBurst: envInt("TOKEN_RATE_BURST", 10),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: os.Getenv("ADMIN_PASS_HASH"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func envInt(k string, def int) int {
	n, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	return n
}

// envDuration accepts Go durations ("90s") or plain seconds.
func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
