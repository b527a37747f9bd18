package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/veldt-labs/mailwarden/internal/gateway"
)

var _ gateway.Gateway = (*Adapter)(nil)

// Adapter implements gateway.Gateway for Gmail. Every API call is bounded
// by a per-call timeout so a stalled upstream cannot hold a worker forever.
type Adapter struct {
	svc     *gmail.Service
	timeout time.Duration
}

// New creates a Gmail adapter. The token source is expected to refresh
// itself; the adapter never touches credentials directly.
func New(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{svc: svc, timeout: timeout}, nil
}

func (a *Adapter) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) GetMessage(ctx context.Context, id string) (*gateway.Message, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return normalize(msg), nil
}

func (a *Adapter) AddLabels(ctx context.Context, id string, labelIDs []string) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	req := &gmail.ModifyMessageRequest{AddLabelIds: labelIDs}
	if _, err := a.svc.Users.Messages.Modify("me", id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("modify message %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) ListLabels(ctx context.Context) (map[string]gateway.Label, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	res, err := a.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	byName := make(map[string]gateway.Label, len(res.Labels))
	for _, l := range res.Labels {
		byName[l.Name] = gateway.Label{ID: l.Id, Name: l.Name}
	}
	return byName, nil
}

// EnsureLabel finds the label by name, creating it when absent. A concurrent
// creator winning the race surfaces as HTTP 409; the label is re-read and
// treated as success.
func (a *Adapter) EnsureLabel(ctx context.Context, name string) (gateway.Label, error) {
	byName, err := a.ListLabels(ctx)
	if err != nil {
		return gateway.Label{}, err
	}
	if l, ok := byName[name]; ok {
		return l, nil
	}

	createCtx, cancel := a.callCtx(ctx)
	defer cancel()
	created, err := a.svc.Users.Labels.Create("me", &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(createCtx).Do()
	if err == nil {
		return gateway.Label{ID: created.Id, Name: created.Name}, nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 409 {
		byName, listErr := a.ListLabels(ctx)
		if listErr != nil {
			return gateway.Label{}, listErr
		}
		if l, ok := byName[name]; ok {
			return l, nil
		}
	}
	return gateway.Label{}, fmt.Errorf("create label %q: %w", name, err)
}

func (a *Adapter) History(ctx context.Context, startID uint64) (*gateway.HistoryDelta, error) {
	delta := &gateway.HistoryDelta{LatestID: startID}
	seen := make(map[string]bool)

	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	call := a.svc.Users.History.List("me").StartHistoryId(startID).MaxResults(100)
	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if h.Id > delta.LatestID {
				delta.LatestID = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				delta.AddedMessageIDs = append(delta.AddedMessageIDs, added.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		// Gmail expires history after about a week; a stale start id comes
		// back as 404 and will never succeed on retry.
		if historyExpired(err) {
			return nil, fmt.Errorf("%w: start %d", gateway.ErrHistoryExpired, startID)
		}
		return nil, fmt.Errorf("list history from %d: %w", startID, err)
	}
	return delta, nil
}

func historyExpired(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func (a *Adapter) SendReply(ctx context.Context, r gateway.Reply) error {
	raw := fmt.Sprintf(
		"From: me\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: <%s@mailwarden>\r\nIn-Reply-To: %s\r\nReferences: %s\r\n\r\n%s",
		r.To, r.Subject, uuid.NewString(), r.OriginalMessageID, r.OriginalMessageID, r.Body,
	)
	msg := &gmail.Message{
		ThreadId: r.ThreadID,
		Raw:      base64.URLEncoding.EncodeToString([]byte(raw)),
	}
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	if _, err := a.svc.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("send reply in thread %s: %w", r.ThreadID, err)
	}
	return nil
}

func (a *Adapter) Profile(ctx context.Context) (*gateway.Profile, error) {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	p, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &gateway.Profile{EmailAddress: p.EmailAddress, HistoryID: p.HistoryId}, nil
}

func (a *Adapter) Watch(ctx context.Context, topic string) (*gateway.WatchResult, error) {
	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	watchCtx, cancel := a.callCtx(ctx)
	defer cancel()
	res, err := a.svc.Users.Watch("me", req).Context(watchCtx).Do()
	if err != nil {
		return nil, fmt.Errorf("watch mailbox: %w", err)
	}
	return &gateway.WatchResult{HistoryID: res.HistoryId, ExpirationMS: res.Expiration}, nil
}

func (a *Adapter) StopWatch(ctx context.Context) error {
	ctx, cancel := a.callCtx(ctx)
	defer cancel()
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

// normalize converts a Gmail message into the gateway shape. Body extraction
// prefers the first text/plain part of a multipart message, falling back to
// the single payload body.
func normalize(m *gmail.Message) *gateway.Message {
	out := &gateway.Message{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		LabelIDs: m.LabelIds,
	}
	if m.Payload == nil {
		return out
	}
	for _, h := range m.Payload.Headers {
		out.Headers = append(out.Headers, gateway.Header{Name: h.Name, Value: h.Value})
	}
	if len(m.Payload.Parts) > 0 {
		for _, part := range m.Payload.Parts {
			if part.Filename != "" {
				out.AttachmentFilenames = append(out.AttachmentFilenames, part.Filename)
			}
			if out.BodyText == "" && part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
				out.BodyText = decodeWebSafe(part.Body.Data)
			}
		}
	} else if m.Payload.Body != nil && m.Payload.Body.Data != "" {
		out.BodyText = decodeWebSafe(m.Payload.Body.Data)
	}
	return out
}

// decodeWebSafe decodes Gmail's URL-safe base64 body encoding, tolerating
// both padded and unpadded input.
func decodeWebSafe(s string) string {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "-", "+"), "_", "/")
	if n := len(s) % 4; n != 0 {
		s += strings.Repeat("=", 4-n)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return string(b)
}
