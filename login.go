package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const (
	xBaseURL          = "https://x.com"
	xAccessURL        = xBaseURL + "/account/access"
	xCookieDomain     = ".x.com"
	oauthAuthURL      = "https://api.x.com/oauth/authenticate"
	oauthAuthorizeURL = "https://api.x.com/oauth/authorize"

	defaultMaxChallengeSteps = 8
	// emailClockSkew widens the "since" bound to tolerate mail server clocks running behind.
	emailClockSkew = 30 * time.Second
)

// LoginState is a state of the challenge-resolution flow.
type LoginState string

const (
	StateStart             LoginState = "START"
	StateChallengeReceived LoginState = "CHALLENGE_RECEIVED"
	StateEmailPending      LoginState = "EMAIL_PENDING"
	StateTOTPPending       LoginState = "TOTP_PENDING"
	StateContinue          LoginState = "CONTINUE"
	StateDeleteRequested   LoginState = "DELETE_REQUESTED"
	StateBlockedNoJS       LoginState = "BLOCKED_NO_JS"
	StateResolved          LoginState = "RESOLVED"
	StateFailed            LoginState = "FAILED"
)

// Terminal reports whether no transition leaves s.
func (s LoginState) Terminal() bool {
	switch s {
	case StateResolved, StateFailed, StateDeleteRequested, StateBlockedNoJS:
		return true
	}
	return false
}

var (
	ErrMissingAuthToken        = errors.New("account has no auth_token")
	ErrTokenRejected           = errors.New("auth_token rejected")
	ErrUnexpectedStatus        = errors.New("unexpected status code")
	ErrJavaScriptChallenge     = errors.New("challenge requires javascript")
	ErrUnsupportedChallenge    = errors.New("verification challenge without email or totp")
	ErrUnrecognizedChallenge   = errors.New("unrecognized challenge page")
	ErrMissingEmailCredentials = errors.New("email challenge without email credentials")
	ErrEmailNotTriggered       = errors.New("email challenge did not lead to a verification field")
	ErrTooManyChallengeSteps   = errors.New("too many challenge steps")
	ErrMissingOAuthToken       = errors.New("oauth page has no authenticity_token")
)

// LoginError carries the state a login attempt failed in.
type LoginError struct {
	State LoginState
	Err   error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login failed in %s: %v", e.State, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// LoginResult is the outcome of one login attempt.
type LoginResult struct {
	State LoginState
	Trace []LoginState
	Err   error
}

// LoginConfig tunes the orchestrator.
type LoginConfig struct {
	EmailCodeTimeout  time.Duration
	EmailPollInterval time.Duration
	MaxSteps          int
}

// codeSource is a mailbox that can produce a verification code.
type codeSource interface {
	Login(ctx context.Context) error
	WaitForCode(ctx context.Context, since time.Time, deadline time.Duration) (string, error)
	Close() error
}

// Orchestrator drives one account through the access challenge pages until the
// account is unlocked or the attempt fails. It is used for a single attempt at a time.
type Orchestrator struct {
	session *Session
	account *Account
	cfg     LoginConfig
	logger  Logger

	openMailbox func(email, password string) (codeSource, error)
	now         func() time.Time

	trace []LoginState
	// lastCodeAt is when the last email code of this attempt was read; later
	// waits ignore messages before it so a consumed code is never resubmitted.
	lastCodeAt time.Time
}

// NewOrchestrator binds an account to the session it will use.
func NewOrchestrator(session *Session, account *Account, cfg LoginConfig, logger Logger) *Orchestrator {
	if logger == nil {
		logger = nopLogger{}
	}
	if cfg.EmailCodeTimeout <= 0 {
		cfg.EmailCodeTimeout = defaultEmailCodeTimeout
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxChallengeSteps
	}

	o := &Orchestrator{
		session: session,
		account: account,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	o.openMailbox = func(email, password string) (codeSource, error) {
		w, err := NewEmailCodeWaiter(email, password, logger)
		if err != nil {
			return nil, err
		}
		if cfg.EmailPollInterval > 0 {
			w.PollInterval = cfg.EmailPollInterval
		}
		return w, nil
	}
	return o
}

// nextState picks the transition for a challenge page. The order is fixed:
// a javascript wall beats everything, then deletion, email, totp, start, finish.
func nextState(d ChallengeDescriptor, account *Account) LoginState {
	switch {
	case d.JSUnavailable:
		return StateBlockedNoJS
	case d.DeleteButtonPresent:
		return StateDeleteRequested
	case d.EmailUnlockRequested:
		return StateEmailPending
	case d.NeedsUnlock && account.TOTPSecret != "":
		return StateTOTPPending
	case d.StartButtonPresent:
		return StateContinue
	case d.FinishButtonPresent:
		return StateResolved
	}
	return StateFailed
}

// Run performs one login attempt and records its outcome on the account.
func (o *Orchestrator) Run(ctx context.Context) LoginResult {
	o.trace = []LoginState{StateStart}
	o.lastCodeAt = time.Time{}

	state, err := o.run(ctx)
	if err != nil {
		o.fail(state, err)
		return LoginResult{State: StateFailed, Trace: o.trace, Err: &LoginError{State: state, Err: err}}
	}

	switch state {
	case StateResolved:
		if err := o.resolve(); err != nil {
			o.enter(StateFailed)
			return LoginResult{State: StateFailed, Trace: o.trace, Err: &LoginError{State: StateResolved, Err: err}}
		}
	case StateDeleteRequested:
		o.setStatus(AccountStatusDeleteRequested)
	}
	return LoginResult{State: state, Trace: o.trace}
}

func (o *Orchestrator) run(ctx context.Context) (LoginState, error) {
	attemptStart := o.now()

	if o.account.AuthToken() == "" {
		return StateStart, ErrMissingAuthToken
	}
	if err := o.seedCookies(); err != nil {
		return StateStart, err
	}

	resp, err := o.session.Request(ctx, http.MethodGet, xAccessURL,
		WithHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"),
		WithHeader("sec-fetch-dest", "document"),
		WithHeader("sec-fetch-mode", "navigate"),
		WithHeader("sec-fetch-site", "none"),
	)
	if err != nil {
		return StateStart, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StateStart, ErrTokenRejected
	case resp.IsRedirect():
		if isLoginRedirect(resp.Location()) {
			return StateStart, ErrTokenRejected
		}
		o.logger.Log("No pending challenge (redirected to %s)", resp.Location())
		o.enter(StateResolved)
		return StateResolved, nil
	case resp.StatusCode != http.StatusOK:
		return StateStart, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	desc, err := ParseUnlockPage(resp.Text())
	if err != nil {
		return StateStart, err
	}

	for step := 0; step < o.cfg.MaxSteps; step++ {
		o.enter(StateChallengeReceived)
		state := nextState(desc, o.account)
		o.logger.Log("Challenge page %v -> %s", desc.Flags(), state)

		switch state {
		case StateBlockedNoJS:
			o.enter(state)
			return state, ErrJavaScriptChallenge

		case StateDeleteRequested:
			o.enter(state)
			return state, nil

		case StateFailed:
			if desc.NeedsUnlock {
				return StateChallengeReceived, ErrUnsupportedChallenge
			}
			o.logger.Log("Unrecognized challenge combination, flagging: %v", desc.Flags())
			return StateChallengeReceived, ErrUnrecognizedChallenge
		}

		if state != StateResolved {
			o.enter(state)
		}
		var next *Response
		switch state {
		case StateEmailPending:
			next, err = o.resolveEmail(ctx, desc, attemptStart)
		case StateTOTPPending:
			next, err = o.resolveTOTP(ctx, desc)
		case StateContinue, StateResolved:
			next, err = o.submit(ctx, desc, "")
		}
		if err != nil {
			return state, err
		}

		switch {
		case next.IsRedirect() && isLoginRedirect(next.Location()):
			return state, ErrTokenRejected
		case next.IsRedirect():
			o.enter(StateResolved)
			return StateResolved, nil
		case next.StatusCode != http.StatusOK:
			return state, fmt.Errorf("%w: %d", ErrUnexpectedStatus, next.StatusCode)
		case state == StateResolved:
			o.enter(StateResolved)
			return StateResolved, nil
		}

		if desc, err = ParseUnlockPage(next.Text()); err != nil {
			return state, err
		}
	}

	return StateChallengeReceived, ErrTooManyChallengeSteps
}

func (o *Orchestrator) resolveEmail(ctx context.Context, desc ChallengeDescriptor, attemptStart time.Time) (*Response, error) {
	if !o.account.HasEmailCredentials() {
		return nil, ErrMissingEmailCredentials
	}

	box, err := o.openMailbox(o.account.Email, o.account.EmailPassword)
	if err != nil {
		return nil, err
	}
	defer box.Close()

	if err := box.Login(ctx); err != nil {
		return nil, err
	}

	since := attemptStart.Add(-emailClockSkew)
	if !desc.NeedsUnlock {
		// The page only offers to send the email; ask for it before waiting.
		since = o.now().Add(-emailClockSkew)
		resp, err := o.submit(ctx, desc, "")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			if resp.IsRedirect() && isLoginRedirect(resp.Location()) {
				return nil, ErrTokenRejected
			}
			return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
		}
		if desc, err = ParseUnlockPage(resp.Text()); err != nil {
			return nil, err
		}
		if !desc.NeedsUnlock {
			return nil, ErrEmailNotTriggered
		}
	}

	if o.lastCodeAt.After(since) {
		since = o.lastCodeAt
	}

	code, err := box.WaitForCode(ctx, since, o.cfg.EmailCodeTimeout)
	if err != nil {
		return nil, err
	}
	o.lastCodeAt = o.now()
	o.logger.Log("Got email confirmation code")
	return o.submit(ctx, desc, code)
}

func (o *Orchestrator) resolveTOTP(ctx context.Context, desc ChallengeDescriptor) (*Response, error) {
	code, err := o.account.TOTPCode(o.now())
	if err != nil {
		return nil, err
	}
	return o.submit(ctx, desc, code)
}

// submit posts the page's form tokens, with a verification code when one is given.
func (o *Orchestrator) submit(ctx context.Context, desc ChallengeDescriptor, code string) (*Response, error) {
	form := url.Values{
		"authenticity_token": {desc.AuthenticityToken},
		"assignment_token":   {desc.AssignmentToken},
		"lang":               {"en"},
		"flow":               {""},
	}
	if code != "" {
		form.Set("verification_string", code)
		form.Set("language_code", "en")
	}

	return o.session.Request(ctx, http.MethodPost, xAccessURL,
		WithForm(form),
		WithHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"),
		WithHeader("origin", xBaseURL),
		WithHeader("referer", xAccessURL),
		WithHeader("sec-fetch-dest", "document"),
		WithHeader("sec-fetch-mode", "navigate"),
		WithHeader("sec-fetch-site", "same-origin"),
	)
}

// AuthorizeOAuth approves an OAuth request token for the logged-in account and
// returns the callback URL the platform redirects to.
func (o *Orchestrator) AuthorizeOAuth(ctx context.Context, oauthToken string) (string, error) {
	if err := o.seedCookies(); err != nil {
		return "", err
	}

	resp, err := o.session.Request(ctx, http.MethodGet, oauthAuthURL+"?"+url.Values{"oauth_token": {oauthToken}}.Encode(),
		WithHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"),
		WithHeader("sec-fetch-dest", "document"),
		WithHeader("sec-fetch-mode", "navigate"),
	)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	page, err := ParseOAuthPage(resp.Text())
	if err != nil {
		return "", err
	}
	if page.RedirectURL != "" {
		return page.RedirectURL, nil
	}
	if page.AuthenticityToken == "" {
		return "", ErrMissingOAuthToken
	}

	resp, err = o.session.Request(ctx, http.MethodPost, oauthAuthorizeURL,
		WithForm(url.Values{
			"authenticity_token":   {page.AuthenticityToken},
			"redirect_after_login": {page.RedirectAfterLogin},
			"oauth_token":          {oauthToken},
		}),
		WithHeader("origin", "https://api.x.com"),
		WithHeader("sec-fetch-dest", "document"),
		WithHeader("sec-fetch-mode", "navigate"),
	)
	if err != nil {
		return "", err
	}
	if resp.IsRedirect() {
		return resp.Location(), nil
	}

	page, err = ParseOAuthPage(resp.Text())
	if err != nil {
		return "", err
	}
	if page.RedirectURL == "" {
		return "", fmt.Errorf("oauth authorize: no redirect url (status %d)", resp.StatusCode)
	}
	return page.RedirectURL, nil
}

func (o *Orchestrator) seedCookies() error {
	cookies := []*http.Cookie{{Name: "auth_token", Value: o.account.AuthToken(), Domain: xCookieDomain, Path: "/"}}
	if o.account.Ct0 != "" {
		cookies = append(cookies, &http.Cookie{Name: "ct0", Value: o.account.Ct0, Domain: xCookieDomain, Path: "/"})
	}
	return o.session.SetCookies(xBaseURL, cookies)
}

// resolve marks the account good and captures the session cookies it now holds.
func (o *Orchestrator) resolve() error {
	status := AccountStatusGood
	update := AccountUpdate{Status: &status}
	if token := o.session.Cookie(xBaseURL, "auth_token"); token != "" {
		update.AuthToken = &token
	}
	if ct0 := o.session.Cookie(xBaseURL, "ct0"); ct0 != "" {
		update.Ct0 = &ct0
	}
	if err := o.account.Apply(update); err != nil {
		return err
	}
	o.logger.Log("Account %s resolved", o.account.DisplayName())
	return nil
}

// fail converts a failure into an account status. Transport and context errors say
// nothing about the account, so its status is left as it was.
func (o *Orchestrator) fail(state LoginState, err error) {
	o.enter(StateFailed)
	o.logger.Log("Login failed in %s: %v", state, err)

	switch {
	case errors.Is(err, ErrTokenRejected):
		o.setStatus(AccountStatusBadToken)
	case errors.Is(err, ErrJavaScriptChallenge),
		errors.Is(err, ErrUnsupportedChallenge),
		errors.Is(err, ErrUnrecognizedChallenge),
		errors.Is(err, ErrMissingEmailCredentials),
		errors.Is(err, ErrEmailNotTriggered),
		errors.Is(err, ErrTooManyChallengeSteps),
		errors.Is(err, ErrNoTOTPSecret),
		IsEmailError(err):
		o.setStatus(AccountStatusLocked)
	}
}

func (o *Orchestrator) setStatus(status AccountStatus) {
	o.account.Status = status
}

func (o *Orchestrator) enter(state LoginState) {
	o.trace = append(o.trace, state)
}

func isLoginRedirect(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasPrefix(path, "/login") || strings.HasPrefix(path, "/i/flow/login")
}
