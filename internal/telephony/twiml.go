package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal Twilio Markup Language builder for outbound campaign calls.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderScriptTwiML renders the campaign script as spoken TwiML: a short
// pause (so answering machines pick up the opening line), the script in the
// campaign language, then hangup.
func RenderScriptTwiML(script, language string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", errors.New("telephony: script required")
	}

	r := twimlResponse{Verbs: []any{
		twimlPause{Length: 1},
		twimlSay{Language: language, Text: script},
		twimlHangup{},
	}}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
