package lti

import (
	"net/http"
	"time"
	"unicode/utf8"
)

const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	LTIVersion              = "1.3.0"

	maxIdentifierLength = 255
	maxTokenAge         = 3600 * time.Second
)

// ValidRoles are the LIS v2 roles a launch may carry.
var ValidRoles = map[string]struct{}{
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator":      {},
	"http://purl.imsglobal.org/vocab/lis/v2/system/person#None":               {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator": {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Faculty":       {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Guest":         {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#None":          {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Other":         {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Staff":         {},
	"http://purl.imsglobal.org/vocab/lis/v2/institution/person#Student":       {},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Administrator":         {},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper":      {},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor":            {},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner":               {},
	"http://purl.imsglobal.org/vocab/lis/v2/membership#Mentor":                {},
}

// ValidContextTypes lists the course context types, including the
// deprecated short and URN forms.
var ValidContextTypes = func() map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range []string{"CourseOffering", "CourseSection", "CourseTemplate", "Group"} {
		out["http://purl.imsglobal.org/vocab/lis/v2/course#"+name] = struct{}{}
		out[name] = struct{}{}
		out["urn:lti:context-type:ims/lis/"+name] = struct{}{}
	}
	return out
}()

// ruleInput is what the claim rules need besides the claims themselves.
type ruleInput struct {
	method        string
	loginIssuer   string
	targetLinkURI string
	clientID      string
	now           time.Time
	nonceOK       func(string) bool
}

// checkClaims runs every rule and returns all violations in rule order.
func checkClaims(c *LaunchClaims, in ruleInput) []*Error {
	var errs []*Error
	add := func(e *Error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	if in.method != http.MethodPost {
		add(invalid(InvalidFieldValue, "method", "Method invalid"))
	}
	add(exactString(c.MessageType, MessageTypeResourceLink, "message_type", "LTI message type missing", "LTI message type invalid"))
	add(exactString(c.Version, LTIVersion, "version", "LTI Version missing", "LTI Version invalid"))
	add(exactString(c.Issuer, in.loginIssuer, "iss", "Issuer missing", "Issuer invalid"))
	add(checkAudience(c, in.clientID))

	if c.Algorithm.Present && (!c.Algorithm.Valid || c.Algorithm.Value != "RS256") {
		add(invalid(InvalidFieldValue, "alg", "Algorithm invalid"))
	}

	switch {
	case !c.ExpiresAt.Present:
		add(missing("exp", "Expiration missing"))
	case !c.ExpiresAt.Valid || in.now.Unix() >= c.ExpiresAt.Value:
		add(invalid(Expired, "exp", "Expiration invalid"))
	}

	switch {
	case !c.IssuedAt.Present:
		add(missing("iat", "Issued At missing"))
	case !c.IssuedAt.Valid || in.now.Add(-maxTokenAge).Unix() >= c.IssuedAt.Value:
		add(invalid(NotYetIssuable, "iat", "Issued At invalid"))
	}

	switch {
	case !c.Nonce.Present:
		add(missing("nonce", "Nonce missing"))
	case !c.Nonce.Valid || !in.nonceOK(c.Nonce.Value):
		add(invalid(ReplayedNonce, "nonce", "Nonce invalid: duplicated"))
	}

	add(boundedString(c.DeploymentID, "deployment_id", "Deployment ID missing", "Deployment ID invalid"))

	switch {
	case !c.TargetLinkURI.Present:
		add(missing("target_link_uri", "Target Link URI missing"))
	case !c.TargetLinkURI.Valid || c.TargetLinkURI.Value == "" || c.TargetLinkURI.Value != in.targetLinkURI:
		add(invalid(InvalidFieldValue, "target_link_uri", "Target Link URI invalid"))
	}

	if !c.ResourceLink.Valid {
		if c.ResourceLink.Present {
			add(invalid(InvalidFieldValue, "resource_link", "Resource Link invalid"))
		} else {
			add(missing("resource_link", "Resource Link missing"))
		}
	} else {
		add(boundedString(c.ResourceLink.Value.ID, "resource_link", "Resource Link missing", "Resource Link invalid"))
	}

	add(boundedString(c.Subject, "sub", "Sub missing", "Sub invalid"))
	add(checkRoles(c.Roles))
	errs = append(errs, checkContext(c.Context)...)

	for _, n := range []Claim[string]{c.GivenName, c.FamilyName, c.Name} {
		if n.Present && !n.Valid {
			add(invalid(InvalidFieldValue, "name", "Name information invalid"))
		}
	}

	errs = append(errs, checkAGSEndpoint(c.AGSEndpoint)...)
	return errs
}

func exactString(c Claim[string], want, field, missingMsg, invalidMsg string) *Error {
	if !c.Present {
		return missing(field, missingMsg)
	}
	if !c.Valid || c.Value != want {
		return invalid(InvalidFieldValue, field, invalidMsg)
	}
	return nil
}

func boundedString(c Claim[string], field, missingMsg, invalidMsg string) *Error {
	if !c.Present {
		return missing(field, missingMsg)
	}
	if !c.Valid || utf8.RuneCountInString(c.Value) > maxIdentifierLength {
		return invalid(InvalidFieldValue, field, invalidMsg)
	}
	return nil
}

// checkAudience: a scalar must equal the client id; an array must contain
// it, and with more than one entry "azp" must equal it as well.
func checkAudience(c *LaunchClaims, clientID string) *Error {
	if !c.Audience.Present {
		return missing("aud", "Audience missing")
	}
	bad := invalid(AudienceMismatch, "aud", "Audience invalid")
	if !c.Audience.Valid || clientID == "" {
		return bad
	}
	aud := c.Audience.Value
	if !aud.Array {
		if aud.Values[0] != clientID {
			return bad
		}
		return nil
	}
	found := false
	for _, a := range aud.Values {
		if a == clientID {
			found = true
			break
		}
	}
	if !found {
		return bad
	}
	if len(aud.Values) > 1 {
		if !c.AuthorizedParty.Valid || c.AuthorizedParty.Value != clientID {
			return bad
		}
	}
	return nil
}

func checkRoles(roles Claim[[]string]) *Error {
	if !roles.Present {
		return missing("roles", "Role missing")
	}
	if roles.Valid && len(roles.Value) == 0 {
		return nil
	}
	for _, r := range roles.Value {
		if _, ok := ValidRoles[r]; ok {
			return nil
		}
	}
	return invalid(RoleInvalid, "roles", "Role invalid")
}

func checkContext(ctx Claim[ContextClaim]) []*Error {
	if !ctx.Present {
		return nil
	}
	if !ctx.Valid {
		return []*Error{
			invalid(ContextInvalid, "context", "Context invalid: does not contain label OR title"),
			missing("context.type", "Context type missing"),
		}
	}
	var errs []*Error
	c := ctx.Value
	if !c.Label.Present && !c.Title.Present {
		errs = append(errs, invalid(ContextInvalid, "context", "Context invalid: does not contain label OR title"))
	}
	if !c.Type.Present {
		errs = append(errs, missing("context.type", "Context type missing"))
		return errs
	}
	for _, t := range c.Type.Value {
		if _, ok := ValidContextTypes[t]; ok {
			return errs
		}
	}
	return append(errs, invalid(ContextInvalid, "context.type", "Context invalid: type invalid"))
}

func checkAGSEndpoint(ep Claim[AGSEndpoint]) []*Error {
	if !ep.Present {
		return nil
	}
	bad := func() *Error { return invalid(ScoreSetupInvalid, "ags_endpoint", "Score setup invalid") }
	if !ep.Valid {
		return []*Error{bad(), bad()}
	}
	var errs []*Error
	if !ep.Value.Scope.Present || len(ep.Value.Scope.Value) == 0 {
		errs = append(errs, bad())
	}
	if !ep.Value.LineItem.Valid {
		errs = append(errs, bad())
	}
	return errs
}
