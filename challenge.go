package main

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Visible labels and texts the unlock pages are recognised by.
const (
	labelStartButton   = "Start"
	labelFinishButton  = "Continue to X"
	labelDeleteButton  = "Delete"
	labelSendEmail     = "Send email"
	titleVerifyEmail   = "Verify email"
	headingNoJS        = "JavaScript is not available."
	linkClickToProceed = "click here to continue"
)

// OAuthPage is the decoded OAuth authorize page. Empty fields were absent from the page.
type OAuthPage struct {
	AuthenticityToken  string
	RedirectURL        string
	RedirectAfterLogin string
}

// ChallengeDescriptor is the decoded meaning of one unlock/verification page.
// Every field reflects only what the page contains; nothing is inferred.
type ChallengeDescriptor struct {
	AuthenticityToken    string
	AssignmentToken      string
	NeedsUnlock          bool
	EmailUnlockRequested bool
	StartButtonPresent   bool
	FinishButtonPresent  bool
	DeleteButtonPresent  bool
	JSUnavailable        bool
}

// Empty reports whether the page carried none of the recognised flags.
func (d ChallengeDescriptor) Empty() bool {
	return !d.NeedsUnlock && !d.EmailUnlockRequested && !d.StartButtonPresent &&
		!d.FinishButtonPresent && !d.DeleteButtonPresent && !d.JSUnavailable
}

// Flags lists the names of the flags set on the page. Form tokens are left out
// so the result is safe to log.
func (d ChallengeDescriptor) Flags() []string {
	var flags []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"needs_unlock", d.NeedsUnlock},
		{"email_unlock_requested", d.EmailUnlockRequested},
		{"start", d.StartButtonPresent},
		{"finish", d.FinishButtonPresent},
		{"delete", d.DeleteButtonPresent},
		{"js_unavailable", d.JSUnavailable},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return flags
}

// ParseOAuthPage extracts the authorize form values from an OAuth page.
func ParseOAuthPage(html string) (OAuthPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return OAuthPage{}, err
	}

	page := OAuthPage{
		AuthenticityToken:  inputValue(doc, "authenticity_token"),
		RedirectAfterLogin: inputValue(doc, "redirect_after_login"),
	}
	link := withText(doc.Find("a"), linkClickToProceed).First()
	if href, ok := link.Attr("href"); ok {
		page.RedirectURL = href
	}
	return page, nil
}

// ParseUnlockPage decodes an account access page into a ChallengeDescriptor.
// Conflicting flags are all reported; choosing between them is up to the caller.
func ParseUnlockPage(html string) (ChallengeDescriptor, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ChallengeDescriptor{}, err
	}

	return ChallengeDescriptor{
		AuthenticityToken: inputValue(doc, "authenticity_token"),
		AssignmentToken:   inputValue(doc, "assignment_token"),
		NeedsUnlock:       doc.Find("input#verification_string").Length() > 0,
		EmailUnlockRequested: hasControl(doc, labelSendEmail) ||
			withText(doc.Find("title"), titleVerifyEmail).Length() > 0,
		StartButtonPresent:  hasControl(doc, labelStartButton),
		FinishButtonPresent: hasControl(doc, labelFinishButton),
		DeleteButtonPresent: hasControl(doc, labelDeleteButton),
		JSUnavailable:       withText(doc.Find("h1"), headingNoJS).Length() > 0,
	}, nil
}

func inputValue(doc *goquery.Document, name string) string {
	value, _ := doc.Find(`input[name="` + name + `"]`).First().Attr("value")
	return value
}

// hasControl matches a clickable control by its exact visible label.
func hasControl(doc *goquery.Document, label string) bool {
	if doc.Find("input").FilterFunction(func(_ int, s *goquery.Selection) bool {
		value, ok := s.Attr("value")
		return ok && value == label
	}).Length() > 0 {
		return true
	}
	return withText(doc.Find("button"), label).Length() > 0
}

func withText(sel *goquery.Selection, text string) *goquery.Selection {
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.Text()) == text
	})
}
