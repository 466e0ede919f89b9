package carrier

import (
	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader is the request header carrying the carrier's HMAC-SHA1
// webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks webhook signatures: the carrier sorts the form parameters
// by key, concatenates key+value pairs after the full request URL, and signs
// the result with HMAC-SHA1 over the account auth token, base64-encoded.
type Validator struct {
	inner twilioclient.RequestValidator
}

// NewValidator builds a validator for the account auth token.
func NewValidator(authToken string) *Validator {
	return &Validator{inner: twilioclient.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches url and the form params, using
// constant-time comparison.
func (v *Validator) Valid(url string, params map[string]string, signature string) bool {
	return v.inner.Validate(url, params, signature)
}
