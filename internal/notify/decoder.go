// Package notify decodes and authenticates inbound Pub/Sub push requests.
package notify

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode marks a malformed notification. The webhook handler logs it and
// still answers 200 so the push subscription does not retry forever.
var ErrDecode = errors.New("notify: malformed notification")

// Event is a decoded push notification. Exactly one of MessageID or
// HistoryID is acted on; an event carrying neither is inert.
type Event struct {
	Account   string
	MessageID string
	HistoryID uint64

	// PubSubID identifies the delivery attempt, used for first-pass dedupe.
	PubSubID string
}

// Inert reports whether the event carries nothing to act on.
func (e Event) Inert() bool {
	return e.MessageID == "" && e.HistoryID == 0
}

type envelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type innerData struct {
	EmailAddress string `json:"emailAddress"`
	EmailAlt     string `json:"email"`
	EmailID      string `json:"emailId"`
	MessageID    string `json:"messageId"`
	HistoryID    uint64 `json:"historyId"`
}

// Decode parses a Pub/Sub push payload. The inner blob is base64 with a
// URL-safe alphabet wrapping JSON. A missing inner blob yields an inert
// event, not an error; a present but unparseable one is ErrDecode.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: envelope: %v", ErrDecode, err)
	}

	ev := Event{PubSubID: env.Message.MessageID}
	if env.Message.Data == "" {
		return ev, nil
	}

	decoded, err := decodeWebSafe(env.Message.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: data: %v", ErrDecode, err)
	}

	var inner innerData
	if err := json.Unmarshal(decoded, &inner); err != nil {
		return Event{}, fmt.Errorf("%w: inner payload: %v", ErrDecode, err)
	}

	ev.Account = inner.EmailAddress
	if ev.Account == "" {
		ev.Account = inner.EmailAlt
	}
	// A direct message id takes priority over history-delta mode.
	ev.MessageID = inner.EmailID
	if ev.MessageID == "" {
		ev.MessageID = inner.MessageID
	}
	if ev.MessageID == "" {
		ev.HistoryID = inner.HistoryID
	}
	return ev, nil
}

// decodeWebSafe maps the URL-safe alphabet back to the standard one before
// decoding, tolerating missing padding.
func decodeWebSafe(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "-", "+"), "_", "/")
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	return base64.StdEncoding.DecodeString(s)
}
