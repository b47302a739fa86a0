package twilio

import (
	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureValidator checks the X-Twilio-Signature header of callbacks.
type SignatureValidator struct {
	validator twilioclient.RequestValidator
	enabled   bool
}

func NewSignatureValidator(authToken string, enabled bool) *SignatureValidator {
	return &SignatureValidator{
		validator: twilioclient.NewRequestValidator(authToken),
		enabled:   enabled && authToken != "",
	}
}

func (v *SignatureValidator) Enabled() bool {
	return v != nil && v.enabled
}

// Valid reports whether signature matches the full callback URL and form params.
// A disabled validator accepts everything.
func (v *SignatureValidator) Valid(url string, params map[string]string, signature string) bool {
	if !v.Enabled() {
		return true
	}
	if signature == "" {
		return false
	}
	return v.validator.Validate(url, params, signature)
}
