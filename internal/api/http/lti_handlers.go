package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/lti"
)

const defaultCookieName = "lti_session"

// session returns the caller's login session. With create set, a new one is
// started (and the cookie issued) when the cookie is absent or stale.
func (s *Server) session(w http.ResponseWriter, r *http.Request, create bool) (*lti.LoginSession, error) {
	if c, err := r.Cookie(s.cookieName()); err == nil && c.Value != "" {
		sess, err := s.Sessions.Get(r.Context(), c.Value)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, lti.ErrSessionNotFound) {
			return nil, err
		}
	}
	if !create {
		return nil, lti.ErrNoSession
	}
	sess, err := s.Sessions.Create(r.Context())
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, s.cookie(sess.ID))
	return sess, nil
}

// The launch arrives as a cross-site form_post, so the cookie must be
// SameSite=None, which browsers only accept together with Secure.
func (s *Server) cookie(id string) *http.Cookie {
	c := &http.Cookie{
		Name:     s.cookieName(),
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if s.CookieSecure {
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}

func (s *Server) cookieName() string {
	if s.CookieName != "" {
		return s.CookieName
	}
	return defaultCookieName
}

// loginHandler: third-party initiated login, GET query or POST form.
func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "bad form")
		return
	}
	sess, err := s.session(w, r, true)
	if err != nil {
		s.Logger.Error().Err(err).Msg("session create failed")
		writeErrors(w, http.StatusInternalServerError, "server_error", "session unavailable")
		return
	}

	redirect, err := s.Login.InitiateLogin(r.Context(), sess, lti.LoginRequest{
		Issuer:         r.Form.Get("iss"),
		LoginHint:      r.Form.Get("login_hint"),
		TargetLinkURI:  r.Form.Get("target_link_uri"),
		LTIMessageHint: r.Form.Get("lti_message_hint"),
		ClientID:       r.Form.Get("client_id"),
		DeploymentID:   r.Form.Get("lti_deployment_id"),
	})
	if err != nil {
		s.writeLTIError(w, err)
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// launchHandler: form_post return leg carrying id_token and state.
func (s *Server) launchHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "bad form")
		return
	}
	sess, err := s.session(w, r, false)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "Invalid OIDC Launch Request: state mismatch")
		return
	}

	res, err := s.Launch.Validate(r.Context(), sess, lti.LaunchRequest{
		Method:           r.Method,
		IDToken:          r.PostForm.Get("id_token"),
		State:            r.PostForm.Get("state"),
		Error:            r.PostForm.Get("error"),
		ErrorDescription: r.PostForm.Get("error_description"),
	})
	if err != nil {
		s.writeLTIError(w, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// sessionHandler returns the accepted launch payload for this session.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(w, r, false)
	var claims *lti.LaunchClaims
	if err == nil {
		claims = sess.Claims()
	}
	if claims == nil {
		writeErrors(w, http.StatusUnauthorized, "invalid_request", "no launch in this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": claims})
}

type scoreReq struct {
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
}

// scoreHandler records the score and sends the user agent to the Platform's
// authorization endpoint; the score is posted from authCodeHandler.
func (s *Server) scoreHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseScoreReq(r)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.session(w, r, false)
	if err != nil {
		writeErrors(w, http.StatusUnauthorized, "invalid_request", "no launch in this session")
		return
	}
	authURL, err := s.Scores.PrepareScore(sess, req.Score, req.MaxScore)
	if err != nil {
		if errors.Is(err, lti.ErrScoreNotPermitted) || errors.Is(err, lti.ErrNoSession) {
			writeErrors(w, http.StatusForbidden, "invalid_scope", "score posting not permitted for this launch")
			return
		}
		s.Logger.Error().Err(err).Str("session", sess.ID).Msg("score preparation failed")
		writeErrors(w, http.StatusInternalServerError, "server_error", "score preparation failed")
		return
	}
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// authCodeHandler receives the authorization code and posts the pending
// score in the background.
func (s *Server) authCodeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeErrors(w, http.StatusBadRequest, e, "authorization rejected by platform")
		return
	}
	sess, err := s.session(w, r, false)
	if err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "state mismatch")
		return
	}
	code := q.Get("code")
	if code == "" {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "code missing")
		return
	}
	pending, ok := s.Scores.ConsumeAuthorization(sess, q.Get("state"))
	if !ok || pending == nil {
		writeErrors(w, http.StatusBadRequest, "invalid_request", "state mismatch")
		return
	}
	s.Scores.ReportScoreAsync(sess, code, pending.Given, pending.Maximum)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted"})
}

func parseScoreReq(r *http.Request) (scoreReq, error) {
	var req scoreReq
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			return req, errors.New("invalid JSON")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, errors.New("bad form")
		}
		var err error
		if req.Score, err = strconv.ParseFloat(r.PostForm.Get("score"), 64); err != nil {
			return req, errors.New("score invalid")
		}
		if req.MaxScore, err = strconv.ParseFloat(r.PostForm.Get("maxScore"), 64); err != nil {
			return req, errors.New("maxScore invalid")
		}
	}
	if req.MaxScore <= 0 || req.Score < 0 || req.Score > req.MaxScore {
		return req, errors.New("score must be between 0 and maxScore")
	}
	return req, nil
}

// writeLTIError maps login/launch failures to the OAuth-style error body with
// every violation listed.
func (s *Server) writeLTIError(w http.ResponseWriter, err error) {
	var le *lti.Error
	var ve *lti.ValidationError
	switch {
	case errors.As(err, &ve), errors.As(err, &le):
		writeErrors(w, http.StatusBadRequest, "invalid_request", lti.Messages(err)...)
	default:
		s.Logger.Error().Err(err).Msg("lti request failed")
		writeErrors(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
