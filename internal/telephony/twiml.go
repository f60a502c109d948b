package telephony

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// TwiML document shapes. Only the verbs Donna emits are modeled.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Verbs   []interface{} `xml:",any"`
}

type connectVerb struct {
	XMLName xml.Name   `xml:"Connect"`
	Stream  streamNoun `xml:"Stream"`
}

type streamNoun struct {
	URL        string       `xml:"url,attr"`
	Parameters []streamParm `xml:"Parameter"`
}

type streamParm struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type playVerb struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

func renderTwiML(verbs ...interface{}) string {
	out, err := xml.Marshal(twimlResponse{Verbs: verbs})
	if err != nil {
		// The inputs are plain strings; marshalling cannot realistically
		// fail. Fall back to an empty response rather than panic mid-call.
		return xml.Header + "<Response></Response>"
	}
	return xml.Header + string(out)
}

// ConnectStreamTwiML answers an incoming-call webhook by connecting the call
// to the media-stream websocket at wsURL. params become <Parameter> nouns,
// echoed back in the stream-start event.
func ConnectStreamTwiML(wsURL string, params map[string]string) string {
	parms := make([]streamParm, 0, len(params))
	for name, value := range params {
		parms = append(parms, streamParm{Name: name, Value: value})
	}
	sort.Slice(parms, func(i, j int) bool { return parms[i].Name < parms[j].Name })
	return renderTwiML(connectVerb{Stream: streamNoun{URL: wsURL, Parameters: parms}})
}

// CallerPhoneParams builds the standard parameter set for ConnectStreamTwiML.
func CallerPhoneParams(callerNumber string) map[string]string {
	return map[string]string{callerPhoneParam: callerNumber}
}

// SayHangupTwiML speaks text with Twilio's built-in voice and hangs up. Used
// when synthesis is unavailable.
func SayHangupTwiML(text string) string {
	return renderTwiML(sayVerb{Text: text}, hangupVerb{})
}

// PlayTwiML plays a pull-style audio URL.
func PlayTwiML(audioURL string) string {
	return renderTwiML(playVerb{URL: audioURL})
}

// RejectTwiML hangs up immediately.
func RejectTwiML() string {
	return renderTwiML(hangupVerb{})
}

// MediaStreamURL derives the websocket URL for the media stream from the
// configured public base URL.
func MediaStreamURL(publicURL string) (string, error) {
	switch {
	case len(publicURL) > 8 && publicURL[:8] == "https://":
		return "wss://" + publicURL[8:] + "/twilio/media", nil
	case len(publicURL) > 7 && publicURL[:7] == "http://":
		return "ws://" + publicURL[7:] + "/twilio/media", nil
	default:
		return "", fmt.Errorf("telephony: public URL %q must be http(s)", publicURL)
	}
}
