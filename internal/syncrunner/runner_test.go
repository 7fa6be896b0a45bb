package syncrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/conflict"
	"github.com/solostack/solostack/internal/models"
)

// fakeStore is an in-memory double satisfying the Store interface, so
// Runner behavior can be exercised without a real database.
type fakeStore struct {
	mu         sync.Mutex
	deviceID   string
	checkpoint models.SyncCheckpoint
	outbox     []models.SyncOutboxRecord
	applyFunc  func(localDeviceID string, change codec.Change) (conflict.Outcome, error)
}

func (f *fakeStore) GetOrCreateDeviceID() (string, error) { return f.deviceID, nil }

func (f *fakeStore) GetSyncCheckpoint() (*models.SyncCheckpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.checkpoint
	return &cp, nil
}

func (f *fakeStore) SetSyncCheckpoint(cursor string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoint = models.SyncCheckpoint{LastSyncCursor: cursor, LastSyncedAt: &syncedAt}
	return nil
}

func (f *fakeStore) ListSyncOutboxChanges(limit int) ([]models.SyncOutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit < len(f.outbox) {
		return append([]models.SyncOutboxRecord(nil), f.outbox[:limit]...), nil
	}
	return append([]models.SyncOutboxRecord(nil), f.outbox...), nil
}

func (f *fakeStore) RemoveSyncOutboxChanges(ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	remove := make(map[int64]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
	}
	var kept []models.SyncOutboxRecord
	for _, r := range f.outbox {
		if !remove[r.ID] {
			kept = append(kept, r)
		}
	}
	f.outbox = kept
	return nil
}

func (f *fakeStore) MarkSyncOutboxChangeFailed(id int64, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.outbox {
		if f.outbox[i].ID == id {
			f.outbox[i].Attempts++
			f.outbox[i].LastError = message
		}
	}
	return nil
}

func (f *fakeStore) ApplyIncomingSyncChange(localDeviceID string, change codec.Change) (conflict.Outcome, error) {
	if f.applyFunc != nil {
		return f.applyFunc(localDeviceID, change)
	}
	return conflict.Applied, nil
}

// fakeTransport returns canned responses for Push/Pull.
type fakeTransport struct {
	pushResp  *codec.PushResponse
	pushErr   error
	pullPages []*codec.PullResponse
	pullCalls int
}

func (f *fakeTransport) Push(ctx context.Context, req *codec.PushRequest) (*codec.PushResponse, error) {
	return f.pushResp, f.pushErr
}

func (f *fakeTransport) Pull(ctx context.Context, req *codec.PullRequest) (*codec.PullResponse, error) {
	resp := f.pullPages[f.pullCalls]
	if f.pullCalls < len(f.pullPages)-1 {
		f.pullCalls++
	}
	return resp, nil
}

func TestRunPushesAndRemovesAcceptedOutbox(t *testing.T) {
	store := &fakeStore{
		deviceID: "device-a",
		outbox: []models.SyncOutboxRecord{
			{ID: 1, EntityType: models.EntityTask, EntityID: "t1", Operation: models.OpUpsert,
				PayloadJSON: []byte(`{"updated_at":"2026-01-01T00:00:00Z","updated_by_device":"device-a","sync_version":1}`),
				IdempotencyKey: "k1"},
		},
	}
	transport := &fakeTransport{
		pushResp: &codec.PushResponse{Accepted: []string{"k1"}, ServerCursor: "cursor-1", ServerTime: "2026-01-01T00:00:01Z"},
		pullPages: []*codec.PullResponse{
			{ServerCursor: "cursor-1", ServerTime: "2026-01-01T00:00:01Z"},
		},
	}

	runner := New(store, transport, DefaultDesktopPreset, nil)
	summary, err := runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.RemovedOutboxChanges != 1 {
		t.Fatalf("removed: got %d, want 1", summary.RemovedOutboxChanges)
	}
	if len(store.outbox) != 0 {
		t.Fatalf("expected outbox drained, got %d rows", len(store.outbox))
	}
	if summary.CheckpointAfter != "cursor-1" {
		t.Fatalf("checkpoint after: got %q, want cursor-1", summary.CheckpointAfter)
	}
}

func TestRunSkipsPullWhenOptionSet(t *testing.T) {
	store := &fakeStore{deviceID: "device-a"}
	transport := &fakeTransport{
		pullPages: []*codec.PullResponse{{ServerCursor: "should-not-be-used", ServerTime: "2026-01-01T00:00:00Z"}},
	}

	runner := New(store, transport, DefaultDesktopPreset, nil)
	summary, err := runner.Run(context.Background(), Options{SkipPull: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.CheckpointAfter != "" {
		t.Fatalf("expected checkpoint untouched when pull is skipped, got %q", summary.CheckpointAfter)
	}
	if transport.pullCalls != 0 {
		t.Fatalf("expected no pull calls, got %d", transport.pullCalls)
	}
}

func TestRunPaginatesPullUntilHasMoreFalse(t *testing.T) {
	store := &fakeStore{deviceID: "device-a"}
	transport := &fakeTransport{
		pullPages: []*codec.PullResponse{
			{ServerCursor: "c1", ServerTime: "2026-01-01T00:00:01Z", HasMore: true,
				Changes: []codec.Change{{EntityID: "t1", UpdatedByDevice: "device-remote", Operation: string(models.OpUpsert)}}},
			{ServerCursor: "c2", ServerTime: "2026-01-01T00:00:02Z", HasMore: false,
				Changes: []codec.Change{{EntityID: "t2", UpdatedByDevice: "device-remote", Operation: string(models.OpUpsert)}}},
		},
	}

	runner := New(store, transport, DefaultDesktopPreset, nil)
	summary, err := runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Pull.Applied != 2 {
		t.Fatalf("applied: got %d, want 2 across both pages", summary.Pull.Applied)
	}
	if summary.Pull.HasMore {
		t.Fatal("expected HasMore=false after the final page")
	}
	if summary.CheckpointAfter != "c2" {
		t.Fatalf("checkpoint after: got %q, want c2", summary.CheckpointAfter)
	}
}

func TestRunStopsAtMaxPullPages(t *testing.T) {
	store := &fakeStore{deviceID: "device-a"}
	alwaysMore := &codec.PullResponse{ServerCursor: "c1", ServerTime: "2026-01-01T00:00:01Z", HasMore: true}
	transport := &fakeTransport{pullPages: []*codec.PullResponse{alwaysMore}}

	preset := Preset{PushLimit: 10, PullLimit: 10, MaxPullPages: 2}
	runner := New(store, transport, preset, nil)
	summary, err := runner.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Pull.HasMore {
		t.Fatal("expected HasMore=true when the page budget is exhausted")
	}
}

func TestRunRejectsConcurrentCycles(t *testing.T) {
	store := &fakeStore{deviceID: "device-a"}
	transport := &fakeTransport{pullPages: []*codec.PullResponse{{ServerCursor: "c1", ServerTime: "2026-01-01T00:00:01Z"}}}
	runner := New(store, transport, DefaultDesktopPreset, nil)

	runner.mu.Lock()
	runner.inFlight = true
	runner.mu.Unlock()

	_, err := runner.Run(context.Background(), Options{})
	if err != ErrAlreadyRunning {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}
}

func TestBackoffDelayCapsAt300Seconds(t *testing.T) {
	if d := BackoffDelay(0); d != 0 {
		t.Fatalf("BackoffDelay(0): got %v, want 0", d)
	}
	if d := BackoffDelay(1); d != 5*time.Second {
		t.Fatalf("BackoffDelay(1): got %v, want 5s", d)
	}
	if d := BackoffDelay(2); d != 10*time.Second {
		t.Fatalf("BackoffDelay(2): got %v, want 10s", d)
	}
	if d := BackoffDelay(20); d != 300*time.Second {
		t.Fatalf("BackoffDelay(20): got %v, want 300s cap", d)
	}
}
