package watch

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/veldt-labs/mailwarden/internal/gateway"
)

type fakeGateway struct {
	watchResult *gateway.WatchResult
	watchErr    error
	stopErr     error
	profile     *gateway.Profile

	watchTopics []string
	stops       int
}

func (f *fakeGateway) Watch(ctx context.Context, topic string) (*gateway.WatchResult, error) {
	_ = ctx
	f.watchTopics = append(f.watchTopics, topic)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.watchResult, nil
}

func (f *fakeGateway) StopWatch(ctx context.Context) error {
	_ = ctx
	f.stops++
	return f.stopErr
}

func (f *fakeGateway) GetMessage(ctx context.Context, id string) (*gateway.Message, error) {
	_, _ = ctx, id
	return nil, nil
}

func (f *fakeGateway) AddLabels(ctx context.Context, id string, labelIDs []string) error {
	_, _, _ = ctx, id, labelIDs
	return nil
}

func (f *fakeGateway) ListLabels(ctx context.Context) (map[string]gateway.Label, error) {
	_ = ctx
	return nil, nil
}

func (f *fakeGateway) EnsureLabel(ctx context.Context, name string) (gateway.Label, error) {
	_, _ = ctx, name
	return gateway.Label{}, nil
}

func (f *fakeGateway) History(ctx context.Context, startID uint64) (*gateway.HistoryDelta, error) {
	_, _ = ctx, startID
	return nil, nil
}

func (f *fakeGateway) SendReply(ctx context.Context, r gateway.Reply) error {
	_, _ = ctx, r
	return nil
}

func (f *fakeGateway) Profile(ctx context.Context) (*gateway.Profile, error) {
	_ = ctx
	if f.profile != nil {
		return f.profile, nil
	}
	return &gateway.Profile{}, nil
}

type fakeMarks struct {
	marks map[string]uint64
	saves []uint64
}

func newFakeMarks() *fakeMarks {
	return &fakeMarks{marks: make(map[string]uint64)}
}

func (f *fakeMarks) Watermark(ctx context.Context, account string) (uint64, bool, error) {
	_ = ctx
	h, ok := f.marks[account]
	return h, ok, nil
}

func (f *fakeMarks) SaveWatermark(ctx context.Context, account string, historyID uint64) error {
	_ = ctx
	f.marks[account] = historyID
	f.saves = append(f.saves, historyID)
	return nil
}

func TestStartSeedsWatermarkOnFirstWatch(t *testing.T) {
	gw := &fakeGateway{watchResult: &gateway.WatchResult{HistoryID: 777, ExpirationMS: 123}}
	marks := newFakeMarks()
	m := NewManager(gw, marks, "a@b.c", "projects/p/topics/gmail-push", zap.NewNop())

	res, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if res.HistoryID != 777 {
		t.Errorf("history id = %d, want 777", res.HistoryID)
	}
	if got := gw.watchTopics; len(got) != 1 || got[0] != "projects/p/topics/gmail-push" {
		t.Errorf("watch topics = %v", got)
	}
	if h := marks.marks["a@b.c"]; h != 777 {
		t.Errorf("seeded watermark = %d, want 777", h)
	}
}

func TestStartKeepsExistingWatermark(t *testing.T) {
	gw := &fakeGateway{watchResult: &gateway.WatchResult{HistoryID: 999}}
	marks := newFakeMarks()
	marks.marks["a@b.c"] = 500
	m := NewManager(gw, marks, "a@b.c", "topic", zap.NewNop())

	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(marks.saves) != 0 {
		t.Errorf("re-watch moved the watermark: %v", marks.saves)
	}
	if h := marks.marks["a@b.c"]; h != 500 {
		t.Errorf("watermark = %d, want 500", h)
	}
}

func TestStartWatchFailure(t *testing.T) {
	gw := &fakeGateway{watchErr: errors.New("denied")}
	m := NewManager(gw, newFakeMarks(), "a@b.c", "topic", zap.NewNop())

	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want watch failure")
	}
}

func TestStop(t *testing.T) {
	gw := &fakeGateway{}
	m := NewManager(gw, newFakeMarks(), "a@b.c", "topic", zap.NewNop())

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if gw.stops != 1 {
		t.Errorf("stops = %d, want 1", gw.stops)
	}
}

func TestInitHistorySeedsFromProfile(t *testing.T) {
	gw := &fakeGateway{profile: &gateway.Profile{EmailAddress: "a@b.c", HistoryID: 321}}
	marks := newFakeMarks()
	m := NewManager(gw, marks, "a@b.c", "topic", zap.NewNop())

	h, err := m.InitHistory(context.Background())
	if err != nil {
		t.Fatalf("InitHistory() error = %v", err)
	}
	if h != 321 {
		t.Errorf("history id = %d, want 321", h)
	}
	if got := marks.marks["a@b.c"]; got != 321 {
		t.Errorf("seeded watermark = %d, want 321", got)
	}
}

func TestInitHistoryKeepsExistingWatermark(t *testing.T) {
	gw := &fakeGateway{profile: &gateway.Profile{HistoryID: 999}}
	marks := newFakeMarks()
	marks.marks["a@b.c"] = 500
	m := NewManager(gw, marks, "a@b.c", "topic", zap.NewNop())

	if _, err := m.InitHistory(context.Background()); err != nil {
		t.Fatalf("InitHistory() error = %v", err)
	}
	if len(marks.saves) != 0 {
		t.Errorf("existing watermark overwritten: %v", marks.saves)
	}
}
