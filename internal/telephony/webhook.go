package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// IncomingCall is the parsed incoming-call webhook.
type IncomingCall struct {
	CallSID    string
	AccountSID string
	From       string
	To         string
}

// StatusCallback is the parsed call-status webhook.
type StatusCallback struct {
	CallSID    string
	CallStatus string
	AnsweredBy string
}

// Voicemail reports whether the status callback indicates the call went to
// voicemail: either machine detection answered, or the call was never picked
// up.
func (s StatusCallback) Voicemail() bool {
	if strings.HasPrefix(s.AnsweredBy, "machine") {
		return true
	}
	return s.CallStatus == "no-answer"
}

// ParseIncomingCall parses and validates the incoming-call webhook form.
func ParseIncomingCall(r *http.Request) (IncomingCall, error) {
	if err := r.ParseForm(); err != nil {
		return IncomingCall{}, fmt.Errorf("telephony: parse webhook form: %w", err)
	}
	call := IncomingCall{
		CallSID:    r.PostForm.Get("CallSid"),
		AccountSID: r.PostForm.Get("AccountSid"),
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
	}
	if call.CallSID == "" {
		return IncomingCall{}, fmt.Errorf("telephony: webhook missing CallSid")
	}
	return call, nil
}

// ParseStatusCallback parses the call-status webhook form.
func ParseStatusCallback(r *http.Request) (StatusCallback, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallback{}, fmt.Errorf("telephony: parse webhook form: %w", err)
	}
	cb := StatusCallback{
		CallSID:    r.PostForm.Get("CallSid"),
		CallStatus: r.PostForm.Get("CallStatus"),
		AnsweredBy: r.PostForm.Get("AnsweredBy"),
	}
	if cb.CallSID == "" {
		return StatusCallback{}, fmt.Errorf("telephony: webhook missing CallSid")
	}
	return cb, nil
}

// ComputeSignature produces the Twilio webhook signature for url and the
// POSTed form values: base64(HMAC-SHA1(authToken, url + sorted key-value
// concatenation)).
func ComputeSignature(authToken, url string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks the X-Twilio-Signature header on a webhook
// request. publicURL is the externally visible base URL the webhook was
// registered under.
func ValidateSignature(authToken, publicURL string, r *http.Request) bool {
	if authToken == "" {
		// Signature validation disabled; accept everything.
		return true
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	url := strings.TrimSuffix(publicURL, "/") + r.URL.Path
	want := ComputeSignature(authToken, url, r.PostForm)
	got := r.Header.Get("X-Twilio-Signature")
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
