// pkg/tool/admin/registry.go
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

/*
Package admin exposes the Platform registry over HTTP:

  POST /platforms          register (idempotent per issuer)
  GET  /platforms?iss=...  look up one registration

Responses carry the Tool's public key and its published kid (the JWK
thumbprint) so the Platform side can be configured. The private key and the
key id that encrypts it never leave the store.

Mount: r.Mount("/admin", admin.Routes(store, nil, logger))
*/

// Routes returns the registry API. gen may be nil.
func Routes(store platforms.Store, gen platforms.IdentityGenerator, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Post("/platforms", registerPlatform(store, gen, log))
	r.Get("/platforms", getPlatform(store))
	return r
}

func registerPlatform(store platforms.Store, gen platforms.IdentityGenerator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPlatformReq
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		p, created, err := platforms.Register(r.Context(), store, gen, req.platform())
		if err != nil {
			if errors.Is(err, platforms.ErrInvalid) {
				writeErr(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), platforms.ErrInvalid.Error()+": "))
				return
			}
			log.Error().Err(err).Str("iss", req.Issuer).Msg("platform registration failed")
			writeErr(w, http.StatusInternalServerError, "registration failed")
			return
		}

		view := toView(p)
		status := http.StatusOK
		if created {
			status = http.StatusCreated
			log.Info().Str("iss", p.Issuer).Str("kid", view.KeyID).Msg("platform registered")
		}
		writeJSON(w, status, view)
	}
}

func getPlatform(store platforms.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		iss := strings.TrimSpace(r.URL.Query().Get("iss"))
		if iss == "" {
			writeErr(w, http.StatusBadRequest, "iss is required")
			return
		}
		p, err := store.Lookup(r.Context(), iss)
		if err != nil {
			if errors.Is(err, platforms.NotFound) {
				writeErr(w, http.StatusNotFound, "platform not found")
				return
			}
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, toView(p))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errResp struct {
	Error string `json:"error"`
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
