// pkg/tool/lti/login.go
package lti

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

const (
	stateLength = 30
	nonceLength = 25
)

// RedirectInstruction tells the caller where to send the user agent.
type RedirectInstruction struct {
	URL    string
	Params url.Values
}

// LoginInitiator answers OIDC third-party-initiated login requests.
type LoginInitiator struct {
	Registry platforms.Store
	Logger   zerolog.Logger
}

// InitiateLogin validates req, looks up the issuer's registration and
// returns the authorization redirect. Login request, response and the
// registration are recorded in s for the launch leg.
func (l *LoginInitiator) InitiateLogin(ctx context.Context, s *LoginSession, req LoginRequest) (*RedirectInstruction, error) {
	if s == nil {
		return nil, ErrNoSession
	}
	if ve := validateLoginRequest(req); ve != nil {
		l.Logger.Info().Strs("errors", ve.Messages()).Msg("oidc login rejected")
		return nil, ve
	}

	p, err := l.Registry.Lookup(ctx, req.Issuer)
	if errors.Is(err, platforms.NotFound) {
		l.Logger.Info().Str("iss", req.Issuer).Msg("oidc login from unregistered issuer")
		return nil, &Error{Kind: UnknownIssuer, Field: "iss", Msg: "Issuer invalid: not registered"}
	}
	if err != nil {
		return nil, fmt.Errorf("lti: registry lookup: %w", err)
	}
	if req.ClientID != "" && req.ClientID != p.ClientID {
		return nil, &ValidationError{Violations: []*Error{invalid(InvalidFieldValue, "client_id", "Client ID invalid")}}
	}

	state, err := keys.RandomString(stateLength)
	if err != nil {
		return nil, err
	}
	nonce, err := keys.RandomString(nonceLength)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("scope", "openid")
	params.Set("response_type", "id_token")
	params.Set("client_id", p.ClientID)
	params.Set("redirect_uri", p.RedirectURI)
	params.Set("login_hint", req.LoginHint)
	params.Set("state", state)
	params.Set("response_mode", "form_post")
	params.Set("nonce", nonce)
	params.Set("prompt", "none")
	if req.LTIMessageHint != "" {
		params.Set("lti_message_hint", req.LTIMessageHint)
	}

	target, err := withQuery(p.AuthURL, params)
	if err != nil {
		return nil, fmt.Errorf("lti: authorization url: %w", err)
	}

	loginReq := req
	s.mu.Lock()
	s.Login = &loginReq
	s.Response = &LoginResponse{State: state, Nonce: nonce, Params: params}
	s.Platform = &p
	s.Launch = nil
	s.mu.Unlock()

	l.Logger.Debug().Str("iss", p.Issuer).Str("session", s.ID).Msg("oidc login redirect issued")
	return &RedirectInstruction{URL: target, Params: params}, nil
}

func validateLoginRequest(req LoginRequest) *ValidationError {
	var errs []*Error
	if strings.TrimSpace(req.Issuer) == "" {
		errs = append(errs, missing("iss", "Issuer missing"))
	}
	if strings.TrimSpace(req.LoginHint) == "" {
		errs = append(errs, missing("login_hint", "Login hint missing"))
	}
	if strings.TrimSpace(req.TargetLinkURI) == "" {
		errs = append(errs, missing("target_link_uri", "Target Link URI missing"))
	}
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Violations: errs}
}

// withQuery merges params into raw's existing query string.
func withQuery(raw string, params url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
