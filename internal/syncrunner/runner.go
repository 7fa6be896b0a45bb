// Package syncrunner orchestrates one sync cycle against a Transport
// and a Store, using internal/syncengine for the pure push/pull batch
// logic. Grounded on the teacher's cmd.runPush/runPull loop, folded
// into a single reusable Runner instead of a cobra RunE closure.
package syncrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solostack/solostack/internal/codec"
	"github.com/solostack/solostack/internal/conflict"
	"github.com/solostack/solostack/internal/models"
	"github.com/solostack/solostack/internal/syncengine"
)

// Transport is the pluggable push/pull boundary; the only component
// that talks to the network.
type Transport interface {
	Push(ctx context.Context, req *codec.PushRequest) (*codec.PushResponse, error)
	Pull(ctx context.Context, req *codec.PullRequest) (*codec.PullResponse, error)
}

// Store is the subset of internal/store.DB the Runner depends on,
// narrowed to an interface so the Runner can be tested without a real
// database.
type Store interface {
	GetOrCreateDeviceID() (string, error)
	GetSyncCheckpoint() (*models.SyncCheckpoint, error)
	SetSyncCheckpoint(cursor string, syncedAt time.Time) error
	ListSyncOutboxChanges(limit int) ([]models.SyncOutboxRecord, error)
	RemoveSyncOutboxChanges(ids []int64) error
	MarkSyncOutboxChangeFailed(id int64, message string) error
	ApplyIncomingSyncChange(localDeviceID string, change codec.Change) (conflict.Outcome, error)
}

// Preset is the runtime cadence/limits configuration (desktop/mobile
// per spec §4.2 migration seeding).
type Preset struct {
	PushLimit    int
	PullLimit    int
	MaxPullPages int
}

// DefaultDesktopPreset matches the schema-seeded desktop runtime preset.
var DefaultDesktopPreset = Preset{PushLimit: 200, PullLimit: 200, MaxPullPages: 5}

// DefaultMobilePreset matches the schema-seeded mobile runtime preset.
var DefaultMobilePreset = Preset{PushLimit: 120, PullLimit: 120, MaxPullPages: 3}

// Runner executes one sync cycle at a time; concurrent cycles on the
// same Runner are rejected as a no-op per spec §5.
type Runner struct {
	store     Store
	transport Transport
	preset    Preset
	log       *slog.Logger

	mu       sync.Mutex
	inFlight bool
}

// New constructs a Runner over store/transport using preset limits.
func New(store Store, transport Transport, preset Preset, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{store: store, transport: transport, preset: preset, log: log}
}

// PullSummary is the aggregated result of the pull stage.
type PullSummary struct {
	Applied     int
	Skipped     int
	Conflicts   int
	Failed      int
	SkippedSelf int
	HasMore     bool
	Failures    []syncengine.PullFailure
}

// Summary is the full result of one Run call.
type Summary struct {
	CheckpointBefore     string
	CheckpointAfter      string
	RemovedOutboxChanges int
	FailedOutboxChanges  int
	Pull                 PullSummary
}

// ErrAlreadyRunning is returned when Run is called while a previous
// cycle on the same Runner is still in flight.
var ErrAlreadyRunning = fmt.Errorf("syncrunner: a cycle is already in flight")

// Options configures one Run call.
type Options struct {
	// SkipPull short-circuits the pull stage (push-only cycle).
	SkipPull bool
}

// Run executes one sync cycle: resolve device/checkpoint, push stage,
// paginated pull stage, aggregate summary. Returns ErrAlreadyRunning
// immediately if another cycle is in flight, rather than blocking.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.inFlight = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	deviceID, err := r.store.GetOrCreateDeviceID()
	if err != nil {
		return nil, fmt.Errorf("resolve device id: %w", err)
	}
	checkpoint, err := r.store.GetSyncCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	summary := &Summary{CheckpointBefore: checkpoint.LastSyncCursor}

	var baseCursor *string
	if checkpoint.LastSyncCursor != "" {
		c := checkpoint.LastSyncCursor
		baseCursor = &c
	}

	if err := r.runPushStage(ctx, deviceID, baseCursor, summary); err != nil {
		return nil, err
	}

	if !opts.SkipPull {
		if err := r.runPullStage(ctx, deviceID, summary); err != nil {
			return nil, err
		}
	}

	finalCheckpoint, err := r.store.GetSyncCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint after cycle: %w", err)
	}
	summary.CheckpointAfter = finalCheckpoint.LastSyncCursor
	return summary, nil
}

func (r *Runner) runPushStage(ctx context.Context, deviceID string, baseCursor *string, summary *Summary) error {
	pending, err := r.store.ListSyncOutboxChanges(r.preset.PushLimit)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	outboxChanges := make([]syncengine.OutboxChange, len(pending))
	for i, p := range pending {
		outboxChanges[i] = syncengine.OutboxChange{
			ID:             p.ID,
			EntityType:     p.EntityType,
			EntityID:       p.EntityID,
			Operation:      p.Operation,
			PayloadJSON:    p.PayloadJSON,
			IdempotencyKey: p.IdempotencyKey,
		}
	}

	batch, err := syncengine.PreparePushBatch(deviceID, baseCursor, outboxChanges)
	if err != nil {
		return fmt.Errorf("prepare push batch: %w", err)
	}
	for _, s := range batch.Skipped {
		r.log.Warn("syncrunner: skipped outbox row", "outbox_id", s.OutboxID, "reason", s.Reason)
	}
	if len(batch.Request.Changes) == 0 {
		return nil
	}

	resp, err := r.transport.Push(ctx, batch.Request)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	ack, err := syncengine.AcknowledgePushResult(batch.Entries, resp, r.store.RemoveSyncOutboxChanges, r.store.MarkSyncOutboxChangeFailed)
	if err != nil {
		return fmt.Errorf("acknowledge push result: %w", err)
	}
	summary.RemovedOutboxChanges = len(ack.RemovedOutboxIDs)
	summary.FailedOutboxChanges = len(ack.FailedOutboxIDs)

	if resp.ServerCursor != "" {
		if err := syncengine.AdvanceCursor(resp.ServerCursor, resp.ServerTime, r.store.SetSyncCheckpoint); err != nil {
			return fmt.Errorf("advance cursor after push: %w", err)
		}
	}
	return nil
}

func (r *Runner) runPullStage(ctx context.Context, deviceID string, summary *Summary) error {
	for page := 0; page < r.preset.MaxPullPages; page++ {
		checkpoint, err := r.store.GetSyncCheckpoint()
		if err != nil {
			return fmt.Errorf("read checkpoint before pull page: %w", err)
		}
		var cursor *string
		if checkpoint.LastSyncCursor != "" {
			c := checkpoint.LastSyncCursor
			cursor = &c
		}

		req := codec.BuildPullRequest(deviceID, cursor, r.preset.PullLimit)
		resp, err := r.transport.Pull(ctx, req)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		applied := syncengine.ApplyPullBatch(resp, deviceID, func(c codec.Change) (string, error) {
			outcome, err := r.store.ApplyIncomingSyncChange(deviceID, c)
			return string(outcome), err
		})
		summary.Pull.Applied += applied.Applied
		summary.Pull.Skipped += applied.Skipped
		summary.Pull.Conflicts += applied.Conflicts
		summary.Pull.Failed += applied.Failed
		summary.Pull.SkippedSelf += applied.SkippedSelf
		summary.Pull.Failures = append(summary.Pull.Failures, applied.Failures...)

		if err := syncengine.AdvanceCursor(resp.ServerCursor, resp.ServerTime, r.store.SetSyncCheckpoint); err != nil {
			return fmt.Errorf("advance cursor after pull page: %w", err)
		}

		summary.Pull.HasMore = resp.HasMore
		if !resp.HasMore {
			break
		}
	}
	return nil
}

// BackoffDelay computes the exponential backoff delay for auto sync
// cycles per spec §5: min(300s, 5s * 2^(consecutiveFailures-1)).
func BackoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	const base = 5 * time.Second
	const cap_ = 300 * time.Second
	delay := base
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= cap_ {
			return cap_
		}
	}
	return delay
}
