package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParseIncomingCall(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA1"},
		"AccountSid": {"AC1"},
		"From":       {"+15550100"},
		"To":         {"+15550199"},
	}
	r := httptest.NewRequest("POST", "/twilio/incoming-call", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	call, err := ParseIncomingCall(r)
	if err != nil {
		t.Fatalf("ParseIncomingCall: %v", err)
	}
	if call.CallSID != "CA1" || call.From != "+15550100" || call.To != "+15550199" {
		t.Errorf("got %+v", call)
	}
}

func TestParseIncomingCall_MissingCallSid(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/incoming-call", strings.NewReader("From=%2B15550100"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := ParseIncomingCall(r); err == nil {
		t.Error("expected error without CallSid")
	}
}

func TestParseStatusCallback(t *testing.T) {
	form := url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"completed"},
		"AnsweredBy": {"human"},
	}
	r := httptest.NewRequest("POST", "/twilio/call-status", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cb, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("ParseStatusCallback: %v", err)
	}
	if cb.CallStatus != "completed" || cb.Voicemail() {
		t.Errorf("got %+v voicemail=%v", cb, cb.Voicemail())
	}
}

func TestStatusCallback_Voicemail(t *testing.T) {
	cases := []struct {
		cb   StatusCallback
		want bool
	}{
		{StatusCallback{CallStatus: "completed", AnsweredBy: "machine_start"}, true},
		{StatusCallback{CallStatus: "no-answer"}, true},
		{StatusCallback{CallStatus: "completed", AnsweredBy: "human"}, false},
		{StatusCallback{CallStatus: "completed"}, false},
	}
	for _, tc := range cases {
		if got := tc.cb.Voicemail(); got != tc.want {
			t.Errorf("%+v: voicemail = %v, want %v", tc.cb, got, tc.want)
		}
	}
}

func TestValidateSignature(t *testing.T) {
	const authToken = "12345"
	form := url.Values{
		"CallSid": {"CA1"},
		"From":    {"+15550100"},
	}

	r := httptest.NewRequest("POST", "/twilio/incoming-call", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := ComputeSignature(authToken, "https://donna.example.com/twilio/incoming-call", map[string][]string(form))
	r.Header.Set("X-Twilio-Signature", sig)

	if !ValidateSignature(authToken, "https://donna.example.com", r) {
		t.Error("valid signature rejected")
	}
}

func TestValidateSignature_Tampered(t *testing.T) {
	const authToken = "12345"
	form := url.Values{"CallSid": {"CA1"}}
	sig := ComputeSignature(authToken, "https://donna.example.com/twilio/incoming-call", map[string][]string(form))

	// Same signature over a modified body must fail.
	tampered := url.Values{"CallSid": {"CA2"}}
	r := httptest.NewRequest("POST", "/twilio/incoming-call", strings.NewReader(tampered.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Twilio-Signature", sig)

	if ValidateSignature(authToken, "https://donna.example.com", r) {
		t.Error("tampered request accepted")
	}
}

func TestValidateSignature_DisabledWithoutToken(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/incoming-call", nil)
	if !ValidateSignature("", "https://donna.example.com", r) {
		t.Error("empty auth token should disable validation")
	}
}
