package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	totpPage = `<form>
		<input type="hidden" name="authenticity_token" value="auth-1">
		<input type="hidden" name="assignment_token" value="assign-1">
		<input type="text" id="verification_string" name="verification_string">
		<input type="submit" value="Verify">
	</form>`
	sendEmailPage = `<form>
		<input type="hidden" name="authenticity_token" value="auth-1">
		<input type="hidden" name="assignment_token" value="assign-1">
		<input type="submit" value="Send email">
	</form>`
	enterEmailCodePage = `<html><head><title>Verify email</title></head><body><form>
		<input type="hidden" name="authenticity_token" value="auth-2">
		<input type="hidden" name="assignment_token" value="assign-2">
		<input type="text" id="verification_string" name="verification_string">
		<input type="submit" value="Verify">
	</form></body></html>`
	startPage = `<form>
		<input type="hidden" name="authenticity_token" value="auth-s">
		<input type="submit" value="Start">
	</form>`
	finishPage = `<form>
		<input type="hidden" name="authenticity_token" value="auth-f">
		<input type="submit" value="Continue to X">
	</form>`
	deletePage = `<form>
		<input type="hidden" name="authenticity_token" value="auth-d">
		<input type="submit" value="Delete">
		<input type="submit" value="Continue to X">
	</form>`
	noJSPage = `<html><body>
		<h1>JavaScript is not available.</h1>
		<form><input type="submit" value="Delete"><input type="submit" value="Start"></form>
	</body></html>`
)

// fakeCodeSource hands out queued codes, then the fixed code, and records how
// it was asked.
type fakeCodeSource struct {
	code     string
	codes    []string
	loginErr error
	waitErr  error

	since    time.Time
	sinces   []time.Time
	deadline time.Duration
	waited   bool
	closed   bool
}

func (f *fakeCodeSource) Login(context.Context) error { return f.loginErr }

func (f *fakeCodeSource) WaitForCode(_ context.Context, since time.Time, deadline time.Duration) (string, error) {
	f.waited = true
	f.since = since
	f.sinces = append(f.sinces, since)
	f.deadline = deadline
	if len(f.codes) > 0 {
		code := f.codes[0]
		f.codes = f.codes[1:]
		return code, f.waitErr
	}
	return f.code, f.waitErr
}

func (f *fakeCodeSource) Close() error {
	f.closed = true
	return nil
}

// pageSequence answers GET /account/access with the first page and each POST with
// the next entry, so a test reads as the list of pages the user would see.
func pageSequence(t *testing.T, first *http.Response, posts ...func(req recordedRequest) *http.Response) func(recordedRequest) (*http.Response, error) {
	t.Helper()
	step := 0
	return func(req recordedRequest) (*http.Response, error) {
		if req.Method == http.MethodGet {
			return first, nil
		}
		require.Less(t, step, len(posts), "unexpected POST #%d", step+1)
		resp := posts[step](req)
		step++
		return resp, nil
	}
}

func page(body string) func(recordedRequest) *http.Response {
	return func(recordedRequest) *http.Response { return htmlResponse(http.StatusOK, body) }
}

func newTestOrchestrator(t *testing.T, transport *fakeTransport, account *Account, source codeSource) *Orchestrator {
	t.Helper()
	s := newTestSession(t, transport, SessionConfig{Retries: -1})
	o := NewOrchestrator(s, account, LoginConfig{EmailCodeTimeout: 7 * time.Second}, nil)
	o.now = func() time.Time { return time.Unix(1111111109, 0) }
	o.openMailbox = func(string, string) (codeSource, error) {
		if source == nil {
			return nil, errors.New("no mailbox in this test")
		}
		return source, nil
	}
	return o
}

func TestNextStatePriority(t *testing.T) {
	withTOTP := &Account{TOTPSecret: rfc6238Secret}
	without := &Account{}

	cases := []struct {
		name    string
		d       ChallengeDescriptor
		account *Account
		want    LoginState
	}{
		{"js beats all", ChallengeDescriptor{JSUnavailable: true, DeleteButtonPresent: true, EmailUnlockRequested: true, NeedsUnlock: true, StartButtonPresent: true, FinishButtonPresent: true}, withTOTP, StateBlockedNoJS},
		{"delete beats finish", ChallengeDescriptor{DeleteButtonPresent: true, FinishButtonPresent: true}, withTOTP, StateDeleteRequested},
		{"email beats totp", ChallengeDescriptor{EmailUnlockRequested: true, NeedsUnlock: true}, withTOTP, StateEmailPending},
		{"totp", ChallengeDescriptor{NeedsUnlock: true, StartButtonPresent: true}, withTOTP, StateTOTPPending},
		{"verification without secret", ChallengeDescriptor{NeedsUnlock: true}, without, StateFailed},
		{"verification without secret falls to start", ChallengeDescriptor{NeedsUnlock: true, StartButtonPresent: true}, without, StateContinue},
		{"verification without secret falls to finish", ChallengeDescriptor{NeedsUnlock: true, FinishButtonPresent: true}, without, StateResolved},
		{"start beats finish", ChallengeDescriptor{StartButtonPresent: true, FinishButtonPresent: true}, without, StateContinue},
		{"finish", ChallengeDescriptor{FinishButtonPresent: true}, without, StateResolved},
		{"nothing", ChallengeDescriptor{}, without, StateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextState(tc.d, tc.account))
		})
	}
}

func TestRunJavaScriptWallFails(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, noJSPage)))
	account := newTestAccount(t)
	account.TOTPSecret = rfc6238Secret

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	assert.ErrorIs(t, result.Err, ErrJavaScriptChallenge)
	assert.False(t, IsRetryableError(result.Err))
	assert.Equal(t, []LoginState{StateStart, StateChallengeReceived, StateBlockedNoJS, StateFailed}, result.Trace)
	assert.Equal(t, AccountStatusLocked, account.Status)
	assert.Len(t, transport.Requests(), 1)
}

func TestRunDeleteRequestedStopsImmediately(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, deletePage)))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateDeleteRequested, result.State)
	assert.True(t, result.State.Terminal())
	assert.Equal(t, AccountStatusDeleteRequested, account.Status)
	assert.Len(t, transport.Requests(), 1, "no request after the delete page")
}

func TestRunTOTPChallengeResolves(t *testing.T) {
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, totpPage),
		func(req recordedRequest) *http.Response {
			return redirectResponse("https://x.com/home", "ct0=fresh-ct0; Domain=.x.com; Path=/")
		},
	))
	account := newTestAccount(t)
	account.TOTPSecret = rfc6238Secret
	account.Status = AccountStatusLocked

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateResolved, result.State)
	assert.Equal(t, []LoginState{StateStart, StateChallengeReceived, StateTOTPPending, StateResolved}, result.Trace)
	assert.Equal(t, AccountStatusGood, account.Status)
	assert.Equal(t, "fresh-ct0", account.Ct0)
	assert.Equal(t, testAuthToken, account.AuthToken())

	reqs := transport.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, xAccessURL, reqs[1].URL)
	assert.Equal(t, "081804", reqs[1].Form.Get("verification_string"))
	assert.Equal(t, "auth-1", reqs[1].Form.Get("authenticity_token"))
	assert.Equal(t, "assign-1", reqs[1].Form.Get("assignment_token"))
}

func TestRunEmailChallengeResolves(t *testing.T) {
	source := &fakeCodeSource{code: "123456"}
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, sendEmailPage),
		page(enterEmailCodePage),
		page(finishPage),
		func(recordedRequest) *http.Response { return htmlResponse(http.StatusOK, "") },
	))
	account := newTestAccount(t)
	account.Email = "someone@example.org"
	account.EmailPassword = "pw"

	o := newTestOrchestrator(t, transport, account, source)
	result := o.Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateResolved, result.State)
	assert.Equal(t, []LoginState{
		StateStart, StateChallengeReceived, StateEmailPending,
		StateChallengeReceived, StateResolved,
	}, result.Trace)
	assert.Equal(t, AccountStatusGood, account.Status)

	assert.True(t, source.waited)
	assert.True(t, source.closed)
	assert.Equal(t, 7*time.Second, source.deadline)
	assert.Equal(t, o.now().Add(-emailClockSkew), source.since)

	reqs := transport.Requests()
	require.Len(t, reqs, 4)
	assert.Empty(t, reqs[1].Form.Get("verification_string"), "first POST asks for the email")
	assert.Equal(t, "123456", reqs[2].Form.Get("verification_string"))
	assert.Equal(t, "auth-2", reqs[2].Form.Get("authenticity_token"))
	assert.Equal(t, "auth-f", reqs[3].Form.Get("authenticity_token"))
}

func TestRunEmailChallengeRepeatedWaitsForNewerCode(t *testing.T) {
	source := &fakeCodeSource{codes: []string{"111111", "222222"}}
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, enterEmailCodePage),
		page(enterEmailCodePage),
		page(finishPage),
		func(recordedRequest) *http.Response { return htmlResponse(http.StatusOK, "") },
	))
	account := newTestAccount(t)
	account.Email = "someone@example.org"
	account.EmailPassword = "pw"

	o := newTestOrchestrator(t, transport, account, source)
	result := o.Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateResolved, result.State)
	assert.Equal(t, []LoginState{
		StateStart, StateChallengeReceived, StateEmailPending,
		StateChallengeReceived, StateEmailPending,
		StateChallengeReceived, StateResolved,
	}, result.Trace)

	require.Len(t, source.sinces, 2)
	assert.Equal(t, o.now().Add(-emailClockSkew), source.sinces[0])
	assert.Equal(t, o.now(), source.sinces[1], "second wait starts after the first code was read")

	reqs := transport.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, "111111", reqs[1].Form.Get("verification_string"))
	assert.Equal(t, "222222", reqs[2].Form.Get("verification_string"))
}

func TestRunKeepsTokensOutOfLogs(t *testing.T) {
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, totpPage),
		func(req recordedRequest) *http.Response { return redirectResponse("https://x.com/home") },
	))
	account := newTestAccount(t)
	account.TOTPSecret = rfc6238Secret
	logger := &recordingLogger{}

	o := newTestOrchestrator(t, transport, account, nil)
	o.logger = logger
	result := o.Run(context.Background())
	require.NoError(t, result.Err)

	lines := logger.Lines()
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.NotContains(t, line, "auth-1")
		assert.NotContains(t, line, "assign-1")
		assert.NotContains(t, line, "081804")
	}
}

func TestRunEmailTimeoutLocksAccount(t *testing.T) {
	source := &fakeCodeSource{waitErr: &EmailCodeTimeoutError{Email: "someone@example.org", Deadline: time.Second}}
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, enterEmailCodePage)))
	account := newTestAccount(t)
	account.Email = "someone@example.org"
	account.EmailPassword = "pw"

	result := newTestOrchestrator(t, transport, account, source).Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	var timeoutErr *EmailCodeTimeoutError
	assert.ErrorAs(t, result.Err, &timeoutErr)
	var loginErr *LoginError
	require.ErrorAs(t, result.Err, &loginErr)
	assert.Equal(t, StateEmailPending, loginErr.State)
	assert.Equal(t, AccountStatusLocked, account.Status)
	assert.True(t, source.closed)
	assert.Len(t, transport.Requests(), 1)
}

func TestRunEmailWithoutCredentials(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, sendEmailPage)))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrMissingEmailCredentials)
	assert.Equal(t, AccountStatusLocked, account.Status)
}

func TestRunStartThenFinish(t *testing.T) {
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, startPage),
		page(finishPage),
		func(recordedRequest) *http.Response { return redirectResponse("/home") },
	))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, []LoginState{
		StateStart, StateChallengeReceived, StateContinue,
		StateChallengeReceived, StateResolved,
	}, result.Trace)
	assert.Equal(t, AccountStatusGood, account.Status)
}

func TestRunWithoutChallenge(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, redirectResponse("https://x.com/home")))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateResolved, result.State)
	assert.Equal(t, AccountStatusGood, account.Status)
}

func TestRunTokenRejected(t *testing.T) {
	for name, resp := range map[string]*http.Response{
		"login redirect": redirectResponse("https://x.com/i/flow/login?redirect_after_login=%2Faccount%2Faccess"),
		"unauthorized":   htmlResponse(http.StatusUnauthorized, ""),
	} {
		t.Run(name, func(t *testing.T) {
			transport := newFakeTransport(pageSequence(t, resp))
			account := newTestAccount(t)

			result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

			assert.Equal(t, StateFailed, result.State)
			assert.ErrorIs(t, result.Err, ErrTokenRejected)
			assert.Equal(t, AccountStatusBadToken, account.Status)
		})
	}
}

func TestRunVerificationWithoutSecret(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, totpPage)))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrUnsupportedChallenge)
	assert.Equal(t, AccountStatusLocked, account.Status)
	assert.Len(t, transport.Requests(), 1)
}

func TestRunUnrecognizedPage(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, "<html><body>Something new</body></html>")))
	account := newTestAccount(t)
	logger := &recordingLogger{}

	o := newTestOrchestrator(t, transport, account, nil)
	o.logger = logger
	result := o.Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrUnrecognizedChallenge)
	assert.Equal(t, AccountStatusLocked, account.Status)

	flagged := false
	for _, line := range logger.Lines() {
		if strings.Contains(line, "Unrecognized challenge combination") {
			flagged = true
		}
	}
	assert.True(t, flagged)
}

func TestRunTransportErrorKeepsStatus(t *testing.T) {
	netErr := errors.New("read tcp 10.0.0.1:443: connection reset by peer")
	transport := newFakeTransport(func(recordedRequest) (*http.Response, error) {
		return nil, netErr
	})
	account := newTestAccount(t)
	account.Status = AccountStatusLocked

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	assert.ErrorIs(t, result.Err, netErr)
	assert.True(t, IsRetryableError(result.Err))
	assert.Equal(t, AccountStatusLocked, account.Status)
}

func TestRunServerErrorAfterSubmit(t *testing.T) {
	transport := newFakeTransport(pageSequence(t,
		htmlResponse(http.StatusOK, startPage),
		func(recordedRequest) *http.Response { return htmlResponse(http.StatusServiceUnavailable, "") },
	))
	account := newTestAccount(t)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrUnexpectedStatus)
	assert.Equal(t, AccountStatusUnknown, account.Status)
}

func TestRunMissingAuthToken(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, htmlResponse(http.StatusOK, finishPage)))
	account, err := NewAccount("")
	require.NoError(t, err)

	result := newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrMissingAuthToken)
	assert.Empty(t, transport.Requests())
}

func TestRunSeedsSessionCookies(t *testing.T) {
	transport := newFakeTransport(pageSequence(t, redirectResponse("https://x.com/home")))
	account := newTestAccount(t)
	account.Ct0 = "old-ct0"

	newTestOrchestrator(t, transport, account, nil).Run(context.Background())

	assert.Equal(t, testAuthToken, transport.cookies["auth_token"].Value)
	assert.Equal(t, "old-ct0", transport.cookies["ct0"].Value)
}

func TestRunStepLimit(t *testing.T) {
	transport := newFakeTransport(func(req recordedRequest) (*http.Response, error) {
		return htmlResponse(http.StatusOK, startPage), nil
	})
	account := newTestAccount(t)

	o := newTestOrchestrator(t, transport, account, nil)
	o.cfg.MaxSteps = 3
	result := o.Run(context.Background())

	assert.ErrorIs(t, result.Err, ErrTooManyChallengeSteps)
	assert.Len(t, transport.Requests(), 4)
}

func TestAuthorizeOAuth(t *testing.T) {
	t.Run("authorize form", func(t *testing.T) {
		transport := newFakeTransport(func(req recordedRequest) (*http.Response, error) {
			if req.Method == http.MethodGet {
				assert.True(t, strings.HasPrefix(req.URL, oauthAuthURL+"?oauth_token=req-token"))
				return htmlResponse(http.StatusOK, oauthTokenOnlyPage), nil
			}
			assert.Equal(t, oauthAuthorizeURL, req.URL)
			assert.Equal(t, "abc", req.Form.Get("authenticity_token"))
			assert.Equal(t, "req-token", req.Form.Get("oauth_token"))
			return redirectResponse("https://app.example/cb?oauth_verifier=v"), nil
		})
		o := newTestOrchestrator(t, transport, newTestAccount(t), nil)

		callback, err := o.AuthorizeOAuth(context.Background(), "req-token")
		require.NoError(t, err)
		assert.Equal(t, "https://app.example/cb?oauth_verifier=v", callback)
	})

	t.Run("already authorized", func(t *testing.T) {
		transport := newFakeTransport(func(recordedRequest) (*http.Response, error) {
			return htmlResponse(http.StatusOK, oauthFullPage), nil
		})
		o := newTestOrchestrator(t, transport, newTestAccount(t), nil)

		callback, err := o.AuthorizeOAuth(context.Background(), "xyz")
		require.NoError(t, err)
		assert.Equal(t, "https://app.example/cb?oauth_token=xyz&oauth_verifier=v", callback)
		assert.Len(t, transport.Requests(), 1)
	})

	t.Run("no token", func(t *testing.T) {
		transport := newFakeTransport(func(recordedRequest) (*http.Response, error) {
			return htmlResponse(http.StatusOK, "<html></html>"), nil
		})
		o := newTestOrchestrator(t, transport, newTestAccount(t), nil)

		_, err := o.AuthorizeOAuth(context.Background(), "xyz")
		assert.ErrorIs(t, err, ErrMissingOAuthToken)
	})
}
