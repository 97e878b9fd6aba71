package verifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyBounce(t *testing.T) {
	tests := []struct {
		name string
		code int
		text string
		want BounceClass
	}{
		{"hard code", 550, "mailbox unavailable", BounceHard},
		{"hard code no text", 554, "", BounceHard},
		{"soft code", 421, "service not available", BounceSoft},
		{"greylist code", 451, "greylisted, please retry", BounceSoft},
		{"user unknown overrides soft code", 450, "user unknown", BounceHard},
		{"no such user overrides missing code", 0, "no such user here", BounceHard},
		{"recipient rejected override", 0, "550 recipient address rejected", BounceHard},
		{"gmail provider rule", 0, "550-5.1.1 the email account does not exist", BounceHard},
		{"outlook provider rule", 0, "service not available, closing transmission channel", BounceSoft},
		{"yahoo deferral", 0, "temporarily deferred due to unexpected volume", BounceSoft},
		{"accept all", 0, "accepting all addresses", BounceAcceptAll},
		{"catch all", 0, "this domain is a catch-all", BounceAcceptAll},
		{"generic soft text", 0, "mailbox full", BounceSoft},
		{"generic hard text", 0, "5.1.1 address lookup failed", BounceHard},
		{"unknown", 0, "something entirely else", BounceUnknown},
		{"empty", 0, "", BounceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyBounce(tt.code, tt.text))
		})
	}
}
