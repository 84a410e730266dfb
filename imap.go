package main

import (
	"bufio"
	"fmt"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

const (
	imapsPort    = "993"
	inboxMailbox = "INBOX"
)

// defaultIMAPHosts maps email domains whose IMAP host is not imap.<domain>.
var defaultIMAPHosts = map[string]string{
	"gmail.com":      "imap.gmail.com",
	"yahoo.com":      "imap.mail.yahoo.com",
	"icloud.com":     "imap.mail.me.com",
	"outlook.com":    "imap-mail.outlook.com",
	"hotmail.com":    "imap-mail.outlook.com",
	"aol.com":        "imap.aol.com",
	"gmx.com":        "imap.gmx.com",
	"zoho.com":       "imap.zoho.com",
	"yandex.com":     "imap.yandex.com",
	"protonmail.com": "imap.protonmail.com",
	"mail.com":       "imap.mail.com",
	"rambler.ru":     "imap.rambler.ru",
	"qq.com":         "imap.qq.com",
	"163.com":        "imap.163.com",
	"126.com":        "imap.126.com",
	"sina.com":       "imap.sina.com",
	"comcast.net":    "imap.comcast.net",
	"verizon.net":    "incoming.verizon.net",
	"mail.ru":        "imap.mail.ru",
}

var imapHosts = struct {
	sync.RWMutex
	extra map[string]string
}{extra: make(map[string]string)}

// RegisterIMAPHost adds or overrides the IMAP host for an email domain.
func RegisterIMAPHost(emailDomain, host string) {
	imapHosts.Lock()
	defer imapHosts.Unlock()
	imapHosts.extra[strings.ToLower(emailDomain)] = host
}

// IMAPHostFor resolves the IMAP host for an email address, falling back to imap.<domain>.
func IMAPHostFor(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return "", fmt.Errorf("invalid email address %q", email)
	}
	domain := strings.ToLower(email[at+1:])

	imapHosts.RLock()
	host, ok := imapHosts.extra[domain]
	imapHosts.RUnlock()
	if ok {
		return host, nil
	}
	if host, ok := defaultIMAPHosts[domain]; ok {
		return host, nil
	}
	return "imap." + domain, nil
}

// mailbox is one authenticated IMAP connection with INBOX selected.
type mailbox interface {
	Login(username, password string) error
	// Select (re)selects INBOX read-only and returns the message count.
	Select() (uint32, error)
	// Headers returns the From/Subject/Date headers of message seq.
	Headers(seq uint32) (EmailMessage, error)
	Close() error
}

// imapMailbox is the go-imap implementation of mailbox.
type imapMailbox struct {
	c *imapclient.Client
}

func dialIMAP(host string) (mailbox, error) {
	c, err := imapclient.DialTLS(net.JoinHostPort(host, imapsPort), nil)
	if err != nil {
		return nil, err
	}
	c.Timeout = 30 * time.Second
	return &imapMailbox{c: c}, nil
}

func (m *imapMailbox) Login(username, password string) error {
	return m.c.Login(username, password)
}

func (m *imapMailbox) Select() (uint32, error) {
	status, err := m.c.Select(inboxMailbox, true)
	if err != nil {
		return 0, err
	}
	return status.Messages, nil
}

func (m *imapMailbox) Headers(seq uint32) (EmailMessage, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seq)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"From", "Subject", "Date"},
		},
		Peek: true,
	}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.Fetch(seqSet, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var raw imap.Literal
	for msg := range messages {
		for _, literal := range msg.Body {
			raw = literal
		}
	}
	if err := <-done; err != nil {
		return EmailMessage{}, err
	}
	if raw == nil {
		return EmailMessage{}, nil
	}

	header, err := textproto.ReadHeader(bufio.NewReader(raw))
	if err != nil {
		return EmailMessage{}, fmt.Errorf("read headers of message %d: %w", seq, err)
	}
	return messageFromHeader(gomail.Header{Header: message.Header{Header: header}}), nil
}

func (m *imapMailbox) Close() error {
	closeErr := m.c.Close()
	if err := m.c.Logout(); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}

func messageFromHeader(h gomail.Header) EmailMessage {
	from, err := h.Text("From")
	if err != nil {
		from = h.Get("From")
	}
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	received, _ := parseMessageDate(h.Get("Date"))
	return EmailMessage{From: from, Subject: subject, ReceivedAt: received}
}

const messageDateLayout = "Mon, 2 Jan 2006 15:04:05 -0700"

var dateCommentPattern = regexp.MustCompile(`\s*\(.*\)\s*$`)

// parseMessageDate parses a Date header such as "Tue, 1 Oct 2024 10:00:00 +0000 (UTC)".
// Headers that do not match the usual layout go through net/mail's lenient parser.
func parseMessageDate(value string) (time.Time, error) {
	value = strings.TrimSpace(dateCommentPattern.ReplaceAllString(value, ""))
	if t, err := time.Parse(messageDateLayout, value); err == nil {
		return t, nil
	}
	return mail.ParseDate(value)
}
