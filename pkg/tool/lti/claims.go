// pkg/tool/lti/claims.go
package lti

import (
	"encoding/json"
	"math"
	"strconv"
)

// Claim names used in LTI 1.3 resource link launches.
const (
	ClaimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	ClaimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	ClaimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	ClaimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	ClaimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	ClaimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	ClaimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	ClaimAGSEndpoint   = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
)

// Claim is an optional claim value. Present reports that the key existed in
// the payload; Valid that its JSON type matched what the rule expects.
type Claim[T any] struct {
	Value   T
	Present bool
	Valid   bool
}

// Audience holds "aud" as received; Array distinguishes ["x"] from "x".
type Audience struct {
	Values []string
	Array  bool
}

type ResourceLink struct {
	ID          Claim[string]
	Title       string
	Description string
}

type ContextClaim struct {
	ID    string
	Label Claim[string]
	Title Claim[string]
	Type  Claim[[]string]
}

type AGSEndpoint struct {
	Scope     Claim[[]string]
	LineItem  Claim[string]
	LineItems Claim[string]
}

// LaunchClaims is the typed view of a verified launch token payload.
type LaunchClaims struct {
	MessageType     Claim[string]
	Version         Claim[string]
	Issuer          Claim[string]
	Audience        Claim[Audience]
	AuthorizedParty Claim[string]
	Algorithm       Claim[string]
	ExpiresAt       Claim[int64]
	IssuedAt        Claim[int64]
	Nonce           Claim[string]
	DeploymentID    Claim[string]
	TargetLinkURI   Claim[string]
	ResourceLink    Claim[ResourceLink]
	Subject         Claim[string]
	Roles           Claim[[]string]
	Context         Claim[ContextClaim]
	GivenName       Claim[string]
	FamilyName      Claim[string]
	Name            Claim[string]
	AGSEndpoint     Claim[AGSEndpoint]

	// Raw is the payload as decoded, kept as the canonical launch record.
	Raw map[string]any
}

// MarshalJSON emits the raw payload.
func (c *LaunchClaims) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Raw)
}

// DecodeClaims builds LaunchClaims from a decoded JWT payload. It fails only
// when the payload is absent; wrongly typed claims are recorded as invalid.
func DecodeClaims(payload map[string]any) (*LaunchClaims, error) {
	if payload == nil {
		return nil, &Error{Kind: MalformedToken, Msg: "Could not verify token: empty payload"}
	}
	c := &LaunchClaims{Raw: payload}

	c.MessageType = stringClaim(payload, ClaimMessageType)
	c.Version = stringClaim(payload, ClaimVersion)
	c.Issuer = stringClaim(payload, "iss")
	c.Audience = audienceClaim(payload)
	c.AuthorizedParty = stringClaim(payload, "azp")
	c.Algorithm = stringClaim(payload, "alg")
	c.ExpiresAt = numericClaim(payload, "exp")
	c.IssuedAt = numericClaim(payload, "iat")
	c.Nonce = stringClaim(payload, "nonce")
	c.DeploymentID = stringClaim(payload, ClaimDeploymentID)
	c.TargetLinkURI = stringClaim(payload, ClaimTargetLinkURI)
	c.Subject = stringClaim(payload, "sub")
	c.Roles = stringListClaim(payload, ClaimRoles)
	c.GivenName = stringClaim(payload, "given_name")
	c.FamilyName = stringClaim(payload, "family_name")
	c.Name = stringClaim(payload, "name")

	if obj, ok := objectClaim(payload, ClaimResourceLink); ok.Present {
		c.ResourceLink.Present = true
		c.ResourceLink.Valid = ok.Valid
		if ok.Valid {
			c.ResourceLink.Value = ResourceLink{
				ID:          stringClaim(obj, "id"),
				Title:       stringOr(obj, "title"),
				Description: stringOr(obj, "description"),
			}
		}
	}

	if obj, ok := objectClaim(payload, ClaimContext); ok.Present {
		c.Context.Present = true
		c.Context.Valid = ok.Valid
		if ok.Valid {
			c.Context.Value = ContextClaim{
				ID:    stringOr(obj, "id"),
				Label: stringClaim(obj, "label"),
				Title: stringClaim(obj, "title"),
				Type:  stringListClaim(obj, "type"),
			}
		}
	}

	if obj, ok := objectClaim(payload, ClaimAGSEndpoint); ok.Present {
		c.AGSEndpoint.Present = true
		c.AGSEndpoint.Valid = ok.Valid
		if ok.Valid {
			c.AGSEndpoint.Value = AGSEndpoint{
				Scope:     stringListClaim(obj, "scope"),
				LineItem:  stringClaim(obj, "lineitem"),
				LineItems: stringClaim(obj, "lineitems"),
			}
		}
	}
	return c, nil
}

// HasScope reports whether the AGS endpoint claim grants scope.
func (c *LaunchClaims) HasScope(scope string) bool {
	if c == nil || !c.AGSEndpoint.Valid {
		return false
	}
	for _, s := range c.AGSEndpoint.Value.Scope.Value {
		if s == scope {
			return true
		}
	}
	return false
}

// LineItem returns the AGS line item URL, or "" when the launch carried none.
func (c *LaunchClaims) LineItem() string {
	if c == nil || !c.AGSEndpoint.Valid || !c.AGSEndpoint.Value.LineItem.Valid {
		return ""
	}
	return c.AGSEndpoint.Value.LineItem.Value
}

/* ------------------------------ decoding ---------------------------------- */

func stringClaim(m map[string]any, key string) Claim[string] {
	v, ok := m[key]
	if !ok {
		return Claim[string]{}
	}
	s, isStr := v.(string)
	return Claim[string]{Value: s, Present: true, Valid: isStr}
}

func stringOr(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numericClaim(m map[string]any, key string) Claim[int64] {
	v, ok := m[key]
	if !ok {
		return Claim[int64]{}
	}
	n, valid := toInt64(v)
	return Claim[int64]{Value: n, Present: true, Valid: valid}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// stringListClaim accepts a JSON array; non-string entries are dropped and
// make the claim invalid.
func stringListClaim(m map[string]any, key string) Claim[[]string] {
	v, ok := m[key]
	if !ok {
		return Claim[[]string]{}
	}
	switch arr := v.(type) {
	case []any:
		out := make([]string, 0, len(arr))
		valid := true
		for _, it := range arr {
			s, isStr := it.(string)
			if !isStr {
				valid = false
				continue
			}
			out = append(out, s)
		}
		return Claim[[]string]{Value: out, Present: true, Valid: valid}
	case []string:
		return Claim[[]string]{Value: arr, Present: true, Valid: true}
	default:
		return Claim[[]string]{Present: true}
	}
}

func audienceClaim(m map[string]any) Claim[Audience] {
	v, ok := m["aud"]
	if !ok {
		return Claim[Audience]{}
	}
	if s, isStr := v.(string); isStr {
		return Claim[Audience]{Value: Audience{Values: []string{s}}, Present: true, Valid: true}
	}
	list := stringListClaim(m, "aud")
	return Claim[Audience]{Value: Audience{Values: list.Value, Array: true}, Present: true, Valid: list.Valid}
}

func objectClaim(m map[string]any, key string) (map[string]any, Claim[struct{}]) {
	v, ok := m[key]
	if !ok {
		return nil, Claim[struct{}]{}
	}
	obj, isObj := v.(map[string]any)
	return obj, Claim[struct{}]{Present: true, Valid: isObj}
}
