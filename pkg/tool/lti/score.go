// pkg/tool/lti/score.go
package lti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
)

/*
Score reporting over AGS with a PKCE-protected authorization code

  1. PrepareScore / BuildAuthorizationRequest: verifier stored in the
     session, user agent sent to the Platform's authorization endpoint.
  2. Platform redirects back with ?code=&state=.
  3. ReportScore: code exchanged at the token endpoint (Basic auth = key id :
     private key), then the score is POSTed to <lineitem>/scores.

The score POST is retried on transport errors, 429 and 5xx (the score
message is keyed by user and timestamp, so a repeat overwrites). The code
exchange is never retried: codes are single use.

ReportScoreAsync runs step 3 in the background; failures are logged only.
*/

const (
	ScoreScope       = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	scoreContentType = "application/vnd.ims.lis.v1.score+json"
	scoreTimeLayout  = "2006-01-02T15:04:05.000Z07:00"
)

// Score is the AGS score message.
type Score struct {
	UserID           string  `json:"userId"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Timestamp        string  `json:"timestamp"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
}

// PendingScore is a score waiting for the authorization code to arrive.
type PendingScore struct {
	Given   float64
	Maximum float64
}

// ScoreReporter drives the PKCE authorization-code flow and posts scores.
// The code exchange authenticates with HTTP Basic per RFC 6749 §2.3.1: key id
// and private-key PEM are form-url-encoded before base64, so Platforms must
// unescape both halves of the credential.
type ScoreReporter struct {
	// RedirectURI receives the authorization code; defaults to the
	// registration's redirect URI.
	RedirectURI string
	HTTP        *http.Client
	Timeout     time.Duration // async budget, default 30s
	MaxAttempts uint          // score POST attempts, default 3
	RetryDelay  time.Duration // first backoff interval, default 500ms
	Now         func() time.Time
	Logger      zerolog.Logger
}

// BuildAuthorizationRequest stores a fresh code verifier and state in s and
// returns the Platform authorization URL carrying the S256 challenge.
func (r *ScoreReporter) BuildAuthorizationRequest(s *LoginSession, scope string) (string, error) {
	if s == nil {
		return "", ErrNoSession
	}
	state, err := keys.RandomString(keys.KeyIDLength)
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Platform == nil {
		return "", ErrNoSession
	}
	conf := r.config(s, scope)
	s.CodeVerifier = verifier
	s.ScoreState = state
	return conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("client_id", s.Platform.ClientID),
	), nil
}

// PrepareScore records the score to send and starts the authorization leg,
// provided the launch granted the AGS score scope.
func (r *ScoreReporter) PrepareScore(s *LoginSession, given, maximum float64) (string, error) {
	if s == nil {
		return "", ErrNoSession
	}
	claims := s.Claims()
	if !claims.HasScope(ScoreScope) || claims.LineItem() == "" {
		return "", ErrScoreNotPermitted
	}
	u, err := r.BuildAuthorizationRequest(s, ScoreScope)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.pending = &PendingScore{Given: given, Maximum: maximum}
	s.mu.Unlock()
	return u, nil
}

// ConsumeAuthorization checks the returned state against the one issued by
// BuildAuthorizationRequest and hands back the pending score, clearing both.
func (r *ScoreReporter) ConsumeAuthorization(s *LoginSession, state string) (*PendingScore, bool) {
	if s == nil || state == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ScoreState == "" || s.ScoreState != state {
		return nil, false
	}
	s.ScoreState = ""
	p := s.pending
	s.pending = nil
	return p, true
}

// ReportScore exchanges code for an access token and posts the score.
func (r *ScoreReporter) ReportScore(ctx context.Context, s *LoginSession, code string, given, maximum float64) error {
	if s == nil {
		return ErrNoSession
	}
	s.mu.Lock()
	platform, claims, verifier := s.Platform, s.Launch, s.CodeVerifier
	var conf *oauth2.Config
	if platform != nil {
		conf = r.config(s, ScoreScope)
	}
	s.mu.Unlock()
	if platform == nil || claims == nil {
		return ErrNoSession
	}
	lineItem := claims.LineItem()
	if lineItem == "" {
		return ErrScoreNotPermitted
	}

	if r.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTP)
	}
	tok, err := conf.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("client_id", platform.ClientID),
		oauth2.SetAuthURLParam("scope", ScoreScope),
	)
	if err != nil {
		return fmt.Errorf("lti: token exchange: %w", err)
	}

	body, err := json.Marshal(Score{
		UserID:           claims.Subject.Value,
		ScoreGiven:       given,
		ScoreMaximum:     maximum,
		Timestamp:        r.now().UTC().Format(scoreTimeLayout),
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	})
	if err != nil {
		return err
	}
	return r.postScore(ctx, conf.Client(ctx, tok), strings.TrimRight(lineItem, "/")+"/scores", body)
}

func (r *ScoreReporter) postScore(ctx context.Context, hc *http.Client, endpoint string, body []byte) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", scoreContentType)

		resp, err := hc.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("lti: post score: %w", err)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode/100 == 2:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return struct{}{}, httpErr("post score", resp)
		default:
			return struct{}{}, backoff.Permanent(httpErr("post score", resp))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryDelay()
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.maxAttempts()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.Logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("score post failed, retrying")
		}),
	)
	return err
}

// ReportScoreAsync runs ReportScore on its own goroutine with a detached
// context. The returned channel is closed once the attempt finishes.
func (r *ScoreReporter) ReportScoreAsync(s *LoginSession, code string, given, maximum float64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
		defer cancel()
		if err := r.ReportScore(ctx, s, code, given, maximum); err != nil {
			r.Logger.Error().Err(err).Str("session", s.ID).Msg("score reporting failed")
			return
		}
		r.Logger.Info().Str("session", s.ID).Float64("score", given).Float64("max", maximum).Msg("score posted")
	}()
	return done
}

// config must be called with s.mu held.
func (r *ScoreReporter) config(s *LoginSession, scope string) *oauth2.Config {
	p := s.Platform
	redirect := r.RedirectURI
	if redirect == "" {
		redirect = p.RedirectURI
	}
	return &oauth2.Config{
		ClientID:     p.Keys.KeyID,
		ClientSecret: p.Keys.PrivateKeyPEM,
		RedirectURL:  redirect,
		Scopes:       []string{scope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (r *ScoreReporter) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 30 * time.Second
}

func (r *ScoreReporter) maxAttempts() uint {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return 3
}

func (r *ScoreReporter) retryDelay() time.Duration {
	if r.RetryDelay > 0 {
		return r.RetryDelay
	}
	return 500 * time.Millisecond
}

func (r *ScoreReporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func httpErr(op string, resp *http.Response) error {
	return fmt.Errorf("%s: platform returned %s", op, resp.Status)
}
