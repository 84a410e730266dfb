package main

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// AccountStatus is the last known state of an account, as seen by the login flow.
type AccountStatus string

const (
	AccountStatusUnknown         AccountStatus = "UNKNOWN"
	AccountStatusGood            AccountStatus = "GOOD"
	AccountStatusBadToken        AccountStatus = "BAD_TOKEN"
	AccountStatusLocked          AccountStatus = "LOCKED"
	AccountStatusSuspended       AccountStatus = "SUSPENDED"
	AccountStatusConsentLocked   AccountStatus = "CONSENT_LOCKED"
	AccountStatusNotFound        AccountStatus = "NOT_FOUND"
	AccountStatusDeleteRequested AccountStatus = "DELETE_REQUESTED"
)

var knownStatuses = map[AccountStatus]bool{
	AccountStatusUnknown:         true,
	AccountStatusGood:            true,
	AccountStatusBadToken:        true,
	AccountStatusLocked:          true,
	AccountStatusSuspended:       true,
	AccountStatusConsentLocked:   true,
	AccountStatusNotFound:        true,
	AccountStatusDeleteRequested: true,
}

// Valid reports whether s is one of the known statuses.
func (s AccountStatus) Valid() bool {
	return knownStatuses[s]
}

var (
	ErrInvalidAuthToken = errors.New("auth_token must be 40 lowercase hex characters")
	ErrInvalidStatus    = errors.New("unknown account status")
)

var authTokenPattern = regexp.MustCompile(`^[a-f0-9]{40}$`)

// ValidateAuthToken checks the session token shape. An empty token is valid and means "no token".
func ValidateAuthToken(token string) error {
	if token == "" || authTokenPattern.MatchString(token) {
		return nil
	}
	return ErrInvalidAuthToken
}

// Profile is the public identity of an account.
type Profile struct {
	ID       int64
	Username string
}

// Account holds the credentials needed to authenticate and absorbs status updates
// produced by the login flow. The auth token is only reachable through validated setters.
type Account struct {
	Profile

	authToken     string
	Ct0           string
	Password      string
	Email         string
	EmailPassword string
	TOTPSecret    string
	BackupCode    string
	Status        AccountStatus
}

// NewAccount creates an account from stored credentials, rejecting a malformed auth token.
func NewAccount(authToken string) (*Account, error) {
	a := &Account{Status: AccountStatusUnknown}
	if err := a.SetAuthToken(authToken); err != nil {
		return nil, err
	}
	return a, nil
}

// AuthToken returns the session token, empty when none is set.
func (a *Account) AuthToken() string {
	return a.authToken
}

// SetAuthToken assigns the session token after validating its shape.
func (a *Account) SetAuthToken(token string) error {
	if err := ValidateAuthToken(token); err != nil {
		return err
	}
	a.authToken = token
	return nil
}

// HasEmailCredentials reports whether the mailbox can be used for email challenges.
func (a *Account) HasEmailCredentials() bool {
	return a.Email != "" && a.EmailPassword != ""
}

// AccountUpdate is a partial update. Nil fields are left untouched.
type AccountUpdate struct {
	Username      *string
	AuthToken     *string
	Ct0           *string
	Password      *string
	Email         *string
	EmailPassword *string
	TOTPSecret    *string
	BackupCode    *string
	Status        *AccountStatus
}

func (u AccountUpdate) validate() error {
	if u.AuthToken != nil {
		if err := ValidateAuthToken(*u.AuthToken); err != nil {
			return err
		}
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	return nil
}

// Apply validates the whole update and only then commits it, so a rejected
// update leaves the account unchanged.
func (a *Account) Apply(u AccountUpdate) error {
	if err := u.validate(); err != nil {
		return err
	}

	setString(&a.Username, u.Username)
	setString(&a.authToken, u.AuthToken)
	setString(&a.Ct0, u.Ct0)
	setString(&a.Password, u.Password)
	setString(&a.Email, u.Email)
	setString(&a.EmailPassword, u.EmailPassword)
	setString(&a.TOTPSecret, u.TOTPSecret)
	setString(&a.BackupCode, u.BackupCode)
	if u.Status != nil {
		a.Status = *u.Status
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// DisplayName implements the identity shown in logs.
func (a *Account) DisplayName() string {
	if a.Username != "" {
		return "@" + a.Username
	}
	if a.ID != 0 {
		return fmt.Sprintf("id:%d", a.ID)
	}
	return maskSecret(a.authToken)
}

func (a *Account) String() string {
	return fmt.Sprintf("Account(id=%d, username=%s, auth_token=%s, status=%s)",
		a.ID, a.Username, maskSecret(a.authToken), a.Status)
}

// maskSecret keeps a short prefix and suffix of a secret for log correlation.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
