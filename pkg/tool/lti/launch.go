// pkg/tool/lti/launch.go
package lti

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

/*
Launch validation

One pass per launch attempt:

  Received -> DecodedHeader -> KeyResolved -> SignatureVerified -> ClaimsChecked -> Accepted | Rejected

Header, key and signature failures stop the pass. Claim rules all run and
every violation is reported together.
*/

// LaunchState is a step of the validation pass.
type LaunchState int

const (
	StateReceived LaunchState = iota
	StateDecodedHeader
	StateKeyResolved
	StateSignatureVerified
	StateClaimsChecked
	StateAccepted
	StateRejected
)

func (s LaunchState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecodedHeader:
		return "decoded_header"
	case StateKeyResolved:
		return "key_resolved"
	case StateSignatureVerified:
		return "signature_verified"
	case StateClaimsChecked:
		return "claims_checked"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// LaunchRequest is the form_post return leg from the Platform.
type LaunchRequest struct {
	Method           string
	IDToken          string
	State            string
	Error            string
	ErrorDescription string
}

// LaunchResult reports where the pass ended. Claims and RedirectURL are set
// only when State is StateAccepted.
type LaunchResult struct {
	State       LaunchState
	Claims      *LaunchClaims
	RedirectURL string
}

// VerificationKeyResolver is satisfied by *KeyResolver.
type VerificationKeyResolver interface {
	ResolveVerificationKey(ctx context.Context, keySetURL, keyID string) (*rsa.PublicKey, error)
}

// LaunchValidator verifies launch tokens against the session opened at login.
type LaunchValidator struct {
	Keys       VerificationKeyResolver
	Nonces     NonceTracker
	PathSuffix string
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Validate runs the full pass. On rejection the result carries the state
// reached and err is an *Error or a *ValidationError.
func (v *LaunchValidator) Validate(ctx context.Context, s *LoginSession, req LaunchRequest) (*LaunchResult, error) {
	res := &LaunchResult{State: StateReceived}
	if s == nil {
		return v.reject(res, nil, ErrNoSession)
	}
	log := v.Logger.With().Str("session", s.ID).Logger()

	if req.Error != "" {
		msg := req.Error
		if req.ErrorDescription != "" {
			msg += " (" + req.ErrorDescription + ")"
		}
		return v.reject(res, &log, &Error{Kind: PlatformError, Field: "error", Msg: "Login Response was rejected: " + msg})
	}

	s.mu.Lock()
	var (
		loginIss, targetLink string
		platform             *platforms.Platform
		stateOK              bool
	)
	if s.Response != nil && s.Login != nil && s.Platform != nil && s.Response.State != "" && req.State == s.Response.State {
		stateOK = true
		s.Response.State = "" // single use
		loginIss, targetLink = s.Login.Issuer, s.Login.TargetLinkURI
		p := *s.Platform
		platform = &p
	}
	s.mu.Unlock()
	if !stateOK {
		return v.reject(res, &log, &Error{Kind: StateMismatch, Field: "state", Msg: "Invalid OIDC Launch Request: state mismatch"})
	}

	if req.IDToken == "" {
		return v.reject(res, &log, missing("id_token", "ID token missing"))
	}
	unverified, _, err := jwt.NewParser().ParseUnverified(req.IDToken, jwt.MapClaims{})
	if err != nil {
		return v.reject(res, &log, &Error{Kind: MalformedToken, Field: "id_token", Msg: "Could not verify token", Err: err})
	}
	kid, _ := unverified.Header["kid"].(string)
	v.advance(res, &log, StateDecodedHeader)

	pub, err := v.resolveKey(ctx, platform.AuthConfig, kid)
	if err != nil {
		return v.reject(res, &log, &Error{Kind: KeyResolutionFailed, Field: "kid", Msg: "Could not resolve verification key", Err: err})
	}
	v.advance(res, &log, StateKeyResolved)

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithoutClaimsValidation())
	tok, err := parser.Parse(req.IDToken, func(*jwt.Token) (any, error) { return pub, nil })
	if err != nil || !tok.Valid {
		if err == nil {
			err = jwt.ErrTokenSignatureInvalid
		}
		return v.reject(res, &log, &Error{Kind: SignatureInvalid, Field: "id_token", Msg: "Could not verify token", Err: err})
	}
	v.advance(res, &log, StateSignatureVerified)

	mc, _ := tok.Claims.(jwt.MapClaims)
	claims, err := DecodeClaims(mc)
	if err != nil {
		return v.reject(res, &log, err)
	}

	violations := v.checkClaims(s, claims, ruleInput{
		method:        req.Method,
		loginIssuer:   loginIss,
		targetLinkURI: targetLink,
		clientID:      platform.ClientID,
	})
	v.advance(res, &log, StateClaimsChecked)
	if len(violations) > 0 {
		return v.reject(res, &log, &ValidationError{Violations: violations})
	}

	s.mu.Lock()
	s.Launch = claims
	s.mu.Unlock()

	res.State = StateAccepted
	res.Claims = claims
	res.RedirectURL = claims.TargetLinkURI.Value + v.PathSuffix
	log.Info().Str("iss", loginIss).Str("sub", claims.Subject.Value).Msg("launch accepted")
	return res, nil
}

// ValidateClaims runs the claim rule set against an already verified payload.
// The nonce is recorded in s. It is the last step of Validate, exposed for
// callers that verify tokens themselves.
func (v *LaunchValidator) ValidateClaims(s *LoginSession, method string, claims *LaunchClaims) error {
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	in := ruleInput{method: method}
	if s.Login != nil {
		in.loginIssuer = s.Login.Issuer
		in.targetLinkURI = s.Login.TargetLinkURI
	}
	if s.Platform != nil {
		in.clientID = s.Platform.ClientID
	}
	s.mu.Unlock()

	if violations := v.checkClaims(s, claims, in); len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (v *LaunchValidator) checkClaims(s *LoginSession, claims *LaunchClaims, in ruleInput) []*Error {
	in.now = v.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	in.nonceOK = func(n string) bool { return v.Nonces.checkLocked(s, n) }
	return checkClaims(claims, in)
}

func (v *LaunchValidator) resolveKey(ctx context.Context, ac platforms.AuthConfig, kid string) (*rsa.PublicKey, error) {
	switch ac.Method {
	case platforms.AuthRSAKey:
		return keys.ParsePublicKeyPEM([]byte(ac.Key))
	case platforms.AuthJWKSet:
		if kid == "" {
			return nil, fmt.Errorf("%w: token header has no kid", ErrKeyNotFound)
		}
		if v.Keys == nil {
			return nil, fmt.Errorf("%w: no key resolver configured", ErrKeyFetchFailed)
		}
		return v.Keys.ResolveVerificationKey(ctx, ac.Key, kid)
	default:
		return nil, fmt.Errorf("unsupported auth method %q", ac.Method)
	}
}

func (v *LaunchValidator) advance(res *LaunchResult, log *zerolog.Logger, to LaunchState) {
	log.Debug().Stringer("from", res.State).Stringer("to", to).Msg("launch state")
	res.State = to
}

func (v *LaunchValidator) reject(res *LaunchResult, log *zerolog.Logger, err error) (*LaunchResult, error) {
	if log != nil {
		log.Info().Stringer("at", res.State).Strs("errors", Messages(err)).Msg("launch rejected")
	}
	res.State = StateRejected
	return res, err
}

func (v *LaunchValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}
