package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datesky/datesky-indexer/internal/profiles"
	"github.com/datesky/datesky-indexer/internal/stream"
	"go.uber.org/zap"
)

const (
	defaultSaveEvery         = 100
	defaultSideEffectTimeout = 30 * time.Second
)

var (
	errMissingStore      = errors.New("ingest: profile store is required")
	errMissingCollection = errors.New("ingest: tracked collection is required")
)

// ProfileStore is the slice of the durable store the applier mutates.
type ProfileStore interface {
	Upsert(ctx context.Context, did string, record profiles.Record, handle string) error
	Delete(ctx context.Context, did string) error
	UpdateHandle(ctx context.Context, did string, handle string) error
	SaveCursor(ctx context.Context, timeUS int64) error
}

// HandleResolver supplies best-effort handle enrichment for upserts.
type HandleResolver interface {
	ResolveHandle(ctx context.Context, did string) (string, bool)
}

// ListSyncer mirrors create/delete decisions into the external curated list.
type ListSyncer interface {
	AddMember(ctx context.Context, did string) error
	RemoveMember(ctx context.Context, did string) (bool, error)
}

// ApplierConfig captures the dependencies for constructing an Applier.
type ApplierConfig struct {
	Store ProfileStore
	// Collection is the single record collection this index tracks.
	Collection string
	// Resolver is optional; without it profiles are stored with no handle
	// until an identity event supplies one.
	Resolver HandleResolver
	// ListSync is optional; absence disables list mirroring.
	ListSync ListSyncer
	// SaveEvery bounds replay-on-crash: the cursor is persisted after every
	// SaveEvery processed events. Defaults to 100.
	SaveEvery int
	// SideEffectTimeout bounds each asynchronous list-sync call.
	SideEffectTimeout time.Duration
	// OnApplied, when set, is invoked after every committed upsert or delete.
	OnApplied func(did string, operation string)
	Logger    *zap.Logger
}

// Applier is the ingestion state machine. Given one decoded event it decides
// the effect (upsert, delete, handle update, ignore) and applies it to the
// store. Events are applied strictly in arrival order; the only concurrency
// it spawns is the independently-failable list-sync side effect.
type Applier struct {
	store             ProfileStore
	collection        string
	resolver          HandleResolver
	listSync          ListSyncer
	saveEvery         int
	sideEffectTimeout time.Duration
	onApplied         func(did string, operation string)
	logger            *zap.Logger

	eventCount  int64
	lastTimeUS  atomic.Int64
	sideEffects sync.WaitGroup
}

// NewApplier validates the configuration and returns an Applier.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Collection == "" {
		return nil, errMissingCollection
	}

	saveEvery := cfg.SaveEvery
	if saveEvery <= 0 {
		saveEvery = defaultSaveEvery
	}
	sideEffectTimeout := cfg.SideEffectTimeout
	if sideEffectTimeout <= 0 {
		sideEffectTimeout = defaultSideEffectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Applier{
		store:             cfg.Store,
		collection:        cfg.Collection,
		resolver:          cfg.Resolver,
		listSync:          cfg.ListSync,
		saveEvery:         saveEvery,
		sideEffectTimeout: sideEffectTimeout,
		onApplied:         cfg.OnApplied,
		logger:            logger,
	}, nil
}

// HandleEvent applies one event. Data errors (foreign collections, unknown
// shapes, undecodable records) are logged and skipped; a returned error means
// the store itself failed and the pipeline should stop.
func (a *Applier) HandleEvent(ctx context.Context, event stream.Event) error {
	if err := a.applyEvent(ctx, event); err != nil {
		return err
	}

	if event.TimeUS > a.lastTimeUS.Load() {
		a.lastTimeUS.Store(event.TimeUS)
	}

	a.eventCount++
	if a.eventCount%int64(a.saveEvery) == 0 {
		if err := a.store.SaveCursor(ctx, event.TimeUS); err != nil {
			return fmt.Errorf("persist cursor: %w", err)
		}
		a.logger.Debug("cursor persisted",
			zap.Int64("cursor_us", event.TimeUS),
			zap.Int64("events", a.eventCount))
	}

	return nil
}

func (a *Applier) applyEvent(ctx context.Context, event stream.Event) error {
	switch event.Kind {
	case stream.KindCommit:
		return a.applyCommit(ctx, event)
	case stream.KindIdentity:
		return a.applyIdentity(ctx, event)
	default:
		return nil
	}
}

func (a *Applier) applyCommit(ctx context.Context, event stream.Event) error {
	commit := event.Commit
	if commit == nil || commit.Collection != a.collection {
		return nil
	}

	did, err := profiles.NewDID(event.DID)
	if err != nil {
		a.logger.Warn("skipping commit with invalid did", zap.String("did", event.DID))
		return nil
	}

	switch commit.Operation {
	case stream.OperationCreate, stream.OperationUpdate:
		if len(commit.Record) == 0 {
			a.logger.Warn("skipping commit without record",
				zap.String("did", did),
				zap.String("operation", commit.Operation))
			return nil
		}

		var record profiles.Record
		if err := json.Unmarshal(commit.Record, &record); err != nil {
			a.logger.Warn("skipping undecodable record",
				zap.String("did", did),
				zap.Error(err))
			return nil
		}

		handle := a.resolveHandle(ctx, did)
		if err := a.store.Upsert(ctx, did, record, handle); err != nil {
			return fmt.Errorf("upsert %s: %w", did, err)
		}
		a.logger.Info("profile upserted",
			zap.String("did", did),
			zap.String("operation", commit.Operation))
		a.notifyApplied(did, commit.Operation)

		// Add fires on create only, and without a membership pre-check: a
		// replayed create can produce a duplicate remote record. The backfill
		// pass is the reconciliation point for that known gap.
		if commit.Operation == stream.OperationCreate {
			a.syncListAdd(did)
		}
		return nil

	case stream.OperationDelete:
		if err := a.store.Delete(ctx, did); err != nil {
			return fmt.Errorf("delete %s: %w", did, err)
		}
		a.logger.Info("profile deleted", zap.String("did", did))
		a.notifyApplied(did, stream.OperationDelete)
		a.syncListRemove(did)
		return nil

	default:
		a.logger.Warn("skipping unknown commit operation",
			zap.String("did", did),
			zap.String("operation", commit.Operation))
		return nil
	}
}

func (a *Applier) applyIdentity(ctx context.Context, event stream.Event) error {
	if event.Identity == nil || event.Identity.Handle == "" {
		return nil
	}

	did, err := profiles.NewDID(event.DID)
	if err != nil {
		a.logger.Warn("skipping identity event with invalid did", zap.String("did", event.DID))
		return nil
	}

	if err := a.store.UpdateHandle(ctx, did, event.Identity.Handle); err != nil {
		return fmt.Errorf("update handle %s: %w", did, err)
	}
	a.logger.Debug("handle updated",
		zap.String("did", did),
		zap.String("handle", event.Identity.Handle))
	return nil
}

func (a *Applier) resolveHandle(ctx context.Context, did string) string {
	if a.resolver == nil {
		return ""
	}
	handle, ok := a.resolver.ResolveHandle(ctx, did)
	if !ok {
		a.logger.Debug("no handle resolved", zap.String("did", did))
		return ""
	}
	return handle
}

func (a *Applier) syncListAdd(did string) {
	if a.listSync == nil {
		return
	}
	a.sideEffects.Add(1)
	go func() {
		defer a.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.sideEffectTimeout)
		defer cancel()
		if err := a.listSync.AddMember(ctx, did); err != nil {
			a.logger.Warn("list add failed", zap.String("did", did), zap.Error(err))
			return
		}
		a.logger.Info("list member added", zap.String("did", did))
	}()
}

func (a *Applier) syncListRemove(did string) {
	if a.listSync == nil {
		return
	}
	a.sideEffects.Add(1)
	go func() {
		defer a.sideEffects.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.sideEffectTimeout)
		defer cancel()
		removed, err := a.listSync.RemoveMember(ctx, did)
		if err != nil {
			a.logger.Warn("list remove failed", zap.String("did", did), zap.Error(err))
			return
		}
		if removed {
			a.logger.Info("list member removed", zap.String("did", did))
		}
	}()
}

func (a *Applier) notifyApplied(did string, operation string) {
	if a.onApplied != nil {
		a.onApplied(did, operation)
	}
}

// LastTimeUS returns the newest event timestamp seen on this connection, or 0.
func (a *Applier) LastTimeUS() int64 {
	return a.lastTimeUS.Load()
}

// PersistCursor saves the newest seen cursor. It runs on every disconnect and
// at shutdown, deliberately on a fresh context so a cancelled pipeline context
// cannot block the final write.
func (a *Applier) PersistCursor() {
	cursor := a.lastTimeUS.Load()
	if cursor == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.SaveCursor(ctx, cursor); err != nil {
		a.logger.Error("cursor persist failed", zap.Int64("cursor_us", cursor), zap.Error(err))
		return
	}
	a.logger.Info("cursor saved", zap.Int64("cursor_us", cursor))
}

// WaitForSideEffects blocks until in-flight list-sync calls finish. Shutdown
// and tests use it; the event path never does.
func (a *Applier) WaitForSideEffects() {
	a.sideEffects.Wait()
}
