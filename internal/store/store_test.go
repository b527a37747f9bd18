package store

import (
	"context"
	"testing"
	"time"

	"github.com/veldt-labs/mailwarden/internal/auth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWatermarkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Watermark(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("Watermark() error = %v", err)
	}
	if ok {
		t.Fatal("Watermark() ok = true for unknown account")
	}

	if err := s.SaveWatermark(ctx, "a@b.c", 500); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}
	h, ok, err := s.Watermark(ctx, "a@b.c")
	if err != nil || !ok {
		t.Fatalf("Watermark() = %v, %v, %v", h, ok, err)
	}
	if h != 500 {
		t.Errorf("watermark = %d, want 500", h)
	}
}

func TestWatermarkNeverMovesBackward(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveWatermark(ctx, "a@b.c", 500); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}
	if err := s.SaveWatermark(ctx, "a@b.c", 400); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}
	h, _, err := s.Watermark(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("Watermark() error = %v", err)
	}
	if h != 500 {
		t.Errorf("watermark = %d after stale save, want 500", h)
	}

	if err := s.SaveWatermark(ctx, "a@b.c", 600); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}
	h, _, _ = s.Watermark(ctx, "a@b.c")
	if h != 600 {
		t.Errorf("watermark = %d, want 600", h)
	}
}

func TestWatermarkPerAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveWatermark(ctx, "a@b.c", 100); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}
	if err := s.SaveWatermark(ctx, "x@y.z", 200); err != nil {
		t.Fatalf("SaveWatermark() error = %v", err)
	}

	h, _, _ := s.Watermark(ctx, "a@b.c")
	if h != 100 {
		t.Errorf("watermark(a@b.c) = %d, want 100", h)
	}
	h, _, _ = s.Watermark(ctx, "x@y.z")
	if h != 200 {
		t.Errorf("watermark(x@y.z) = %d, want 200", h)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tok, err := s.Credential(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if tok != nil {
		t.Fatal("Credential() returned token for unknown account")
	}

	want := &auth.Token{
		AccessToken:  "at",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	if err := s.SaveCredential(ctx, "a@b.c", want); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}

	got, err := s.Credential(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if got == nil || got.AccessToken != "at" || got.RefreshToken != "rt" {
		t.Errorf("Credential() = %+v, want %+v", got, want)
	}
	if !got.Expiry.Equal(want.Expiry) {
		t.Errorf("expiry = %v, want %v", got.Expiry, want.Expiry)
	}

	if err := s.DeleteCredential(ctx, "a@b.c"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}
	got, err = s.Credential(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("Credential() error = %v", err)
	}
	if got != nil {
		t.Error("credential survived delete")
	}
}

func TestClassificationEventDeduped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := ClassificationEvent{
		Account:   "a@b.c",
		MessageID: "m1",
		Label:     "URGENT",
	}
	if err := s.AppendClassificationEvent(ctx, "e1", "mail.classified", ev); err != nil {
		t.Fatalf("AppendClassificationEvent() error = %v", err)
	}
	// Redelivery produces the same logical event under a new event id.
	if err := s.AppendClassificationEvent(ctx, "e2", "mail.classified", ev); err != nil {
		t.Fatalf("AppendClassificationEvent() error = %v", err)
	}

	msgs, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(msgs))
	}
	if msgs[0].Subject != "mail.classified" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}
}

func TestOutboxPublishLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := ClassificationEvent{Account: "a@b.c", MessageID: "m1", Label: "HIGH_RISK", Detail: "- spoof"}
	if err := s.AppendClassificationEvent(ctx, "e1", "mail.classified", ev); err != nil {
		t.Fatalf("AppendClassificationEvent() error = %v", err)
	}

	msgs, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("outbox rows = %d, want 1", len(msgs))
	}

	if err := s.MarkPublished(ctx, msgs[0].ID); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}
	msgs, err = s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("published row dequeued again: %v", msgs)
	}
}

func TestOutboxRetryBackoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev := ClassificationEvent{Account: "a@b.c", MessageID: "m1", Label: "URGENT"}
	if err := s.AppendClassificationEvent(ctx, "e1", "mail.classified", ev); err != nil {
		t.Fatalf("AppendClassificationEvent() error = %v", err)
	}
	msgs, err := s.DequeueOutbox(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("DequeueOutbox() = %v, %v", msgs, err)
	}

	if err := s.MarkOutboxRetry(ctx, msgs[0].ID, time.Hour); err != nil {
		t.Fatalf("MarkOutboxRetry() error = %v", err)
	}
	msgs, err = s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueOutbox() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("backed-off row dequeued before next attempt: %v", msgs)
	}
}
