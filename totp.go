package main

import (
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

var ErrNoTOTPSecret = errors.New("no totp secret configured")

// GenerateTOTP derives the 6-digit, 30-second-step code for secret at t.
// Spaces in the secret (as shown by most authenticator setup pages) are ignored.
func GenerateTOTP(secret string, t time.Time) (string, error) {
	secret = strings.Join(strings.Fields(secret), "")
	if secret == "" {
		return "", ErrNoTOTPSecret
	}
	return totp.GenerateCode(strings.ToUpper(secret), t)
}

// TOTPCode returns the current one-time code for the account's secret.
func (a *Account) TOTPCode(now time.Time) (string, error) {
	return GenerateTOTP(a.TOTPSecret, now)
}
