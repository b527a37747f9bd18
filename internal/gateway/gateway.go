// Package gateway defines the narrow mailbox surface mailwarden needs from a
// remote provider.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// ErrHistoryExpired means the provider no longer holds history at the
// requested start position. The caller must restart from a fresher position.
var ErrHistoryExpired = errors.New("gateway: history position expired")

// Gateway is the remote mailbox API as seen by the reconciliation engine and
// the classification pipeline.
type Gateway interface {
	// GetMessage fetches the full message, including body and attachments.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// AddLabels applies labels to a message. Adding a label the message
	// already carries is a no-op on the provider side.
	AddLabels(ctx context.Context, id string, labelIDs []string) error

	// ListLabels returns the account's labels keyed by name.
	ListLabels(ctx context.Context) (map[string]Label, error)

	// EnsureLabel finds or creates a label by name. Concurrent creation is
	// tolerated: "already exists" counts as success.
	EnsureLabel(ctx context.Context, name string) (Label, error)

	// History returns the ordered delta of changes since startID. A single
	// page may bundle several history records, each with zero or more
	// message additions.
	History(ctx context.Context, startID uint64) (*HistoryDelta, error)

	// SendReply sends a reply in the thread of the original message.
	SendReply(ctx context.Context, r Reply) error

	// Profile returns the mailbox address and its current history position.
	Profile(ctx context.Context) (*Profile, error)

	// Watch registers a push subscription publishing to topic.
	Watch(ctx context.Context, topic string) (*WatchResult, error)

	// StopWatch tears down the push subscription.
	StopWatch(ctx context.Context) error
}

type Header struct {
	Name  string
	Value string
}

// Message is a provider message normalized for classification.
type Message struct {
	ID                  string
	ThreadID            string
	Headers             []Header
	BodyText            string
	AttachmentFilenames []string
	LabelIDs            []string
}

// Header returns the first header with the given name, case-insensitively.
// Messages may carry a header name more than once; the first match wins.
func (m *Message) Header(name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasLabel reports whether the message carries the given label id.
func (m *Message) HasLabel(labelID string) bool {
	for _, id := range m.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

type Label struct {
	ID   string
	Name string
}

// HistoryDelta is the ordered set of message additions between two history
// positions.
type HistoryDelta struct {
	// AddedMessageIDs preserves the order the provider returned.
	AddedMessageIDs []string
	// LatestID is the highest history record id seen while paging.
	LatestID uint64
}

// Reply describes a same-thread reply to the mailbox owner.
type Reply struct {
	ThreadID string
	// OriginalMessageID threads the reply via In-Reply-To and References.
	OriginalMessageID string
	To                string
	Subject           string
	Body              string
}

type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// WatchResult reports the provider's state after a watch registration.
type WatchResult struct {
	HistoryID    uint64
	ExpirationMS int64
}
