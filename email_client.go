package main

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
)

const (
	// notificationDomain is the domain confirmation codes are sent from (info@x.com today).
	notificationDomain = "@x.com"
	codeSubjectPhrase  = "confirmation code is"

	defaultEmailPollInterval = 5 * time.Second
	defaultEmailCodeTimeout  = 30 * time.Second
)

var errMailboxNotOpen = errors.New("mailbox is not logged in")

// EmailMessage is the header view of one inbox message.
type EmailMessage struct {
	From       string
	Subject    string
	ReceivedAt time.Time
}

// VerificationCode returns the lowercased code carried by a qualifying message.
func (m EmailMessage) VerificationCode() (string, bool) {
	subject := strings.ToLower(m.Subject)
	if !strings.HasSuffix(senderAddress(m.From), notificationDomain) || !strings.Contains(subject, codeSubjectPhrase) {
		return "", false
	}
	fields := strings.Fields(subject)
	if len(fields) == 0 {
		return "", false
	}
	return fields[len(fields)-1], true
}

// senderAddress extracts the lowercase address from a From header value.
func senderAddress(from string) string {
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(from), "<>"))
}

// EmailCodeWaiter owns one mailbox connection and waits for a verification code to arrive.
// It must not be used from more than one goroutine.
type EmailCodeWaiter struct {
	email        string
	password     string
	host         string
	PollInterval time.Duration

	dial   func(host string) (mailbox, error)
	box    mailbox
	logger Logger
}

// NewEmailCodeWaiter prepares a waiter for the given mailbox credentials.
func NewEmailCodeWaiter(email, password string, logger Logger) (*EmailCodeWaiter, error) {
	host, err := IMAPHostFor(email)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &EmailCodeWaiter{
		email:        email,
		password:     password,
		host:         host,
		PollInterval: defaultEmailPollInterval,
		dial:         dialIMAP,
		logger:       logger,
	}, nil
}

// Login connects, authenticates and selects INBOX read-only.
func (w *EmailCodeWaiter) Login(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	box, err := w.dial(w.host)
	if err != nil {
		return &EmailLoginError{Email: w.email, Host: w.host, Err: err}
	}
	if err := box.Login(w.email, w.password); err != nil {
		_ = box.Close()
		w.logger.Log("Error logging into %s on %s: %v", w.email, w.host, err)
		return &EmailLoginError{Email: w.email, Host: w.host, Err: err}
	}
	if _, err := box.Select(); err != nil {
		_ = box.Close()
		return &EmailLoginError{Email: w.email, Host: w.host, Err: err}
	}

	w.box = box
	w.logger.Log("Logged into %s on %s", w.email, w.host)
	return nil
}

// WaitForCode polls the inbox until a qualifying message newer than since arrives,
// or fails with *EmailCodeTimeoutError once deadline has elapsed. A zero since
// accepts any message. On every error exit the mailbox is closed.
func (w *EmailCodeWaiter) WaitForCode(ctx context.Context, since time.Time, deadline time.Duration) (code string, err error) {
	if w.box == nil {
		return "", errMailboxNotOpen
	}
	defer func() {
		if err != nil {
			w.closeMailbox()
		}
	}()

	if deadline <= 0 {
		deadline = defaultEmailCodeTimeout
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = defaultEmailPollInterval
	}

	w.logger.Log("Waiting for confirmation code for %s...", w.email)
	start := time.Now()
	for {
		count, err := w.box.Select()
		if err != nil {
			return "", err
		}

		code, found, err := w.scan(count, since)
		if err != nil {
			return "", err
		}
		if found {
			return code, nil
		}

		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			return "", &EmailCodeTimeoutError{Email: w.email, Deadline: deadline}
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// scan walks the inbox newest first and returns the first qualifying code.
// Messages older than since, or without a readable Date, are skipped.
func (w *EmailCodeWaiter) scan(count uint32, since time.Time) (string, bool, error) {
	for seq := count; seq > 0; seq-- {
		msg, err := w.box.Headers(seq)
		if err != nil {
			return "", false, err
		}
		w.logger.Log("(%d of %d) from %s", seq, count, senderAddress(msg.From))

		if !since.IsZero() && msg.ReceivedAt.Before(since) {
			continue
		}
		if code, ok := msg.VerificationCode(); ok {
			return code, true, nil
		}
	}
	return "", false, nil
}

// Close releases the mailbox connection. It is safe to call more than once.
func (w *EmailCodeWaiter) Close() error {
	if w.box == nil {
		return nil
	}
	box := w.box
	w.box = nil
	return box.Close()
}

func (w *EmailCodeWaiter) closeMailbox() {
	if w.box == nil {
		return
	}
	_, _ = w.box.Select()
	_ = w.Close()
}
