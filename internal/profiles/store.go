package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingDID      = errors.New("subject did is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation code for the failure.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew     = "profiles.store.new"
	opUpsert       = "profiles.upsert"
	opDelete       = "profiles.delete"
	opUpdateHandle = "profiles.update_handle"
	opCursor       = "profiles.cursor"
	opSaveCursor   = "profiles.save_cursor"
	opBrowse       = "profiles.browse"
	opGet          = "profiles.get"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// cursorRowID pins the cursor table to a single row.
const cursorRowID = 1

// StoreConfig captures the dependencies for constructing a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns all reads and writes against the materialized profile view.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Upsert writes or overwrites the profile row for did and replaces its full
// tag and intention sets, all inside one transaction. Replaying the same
// record is idempotent. An empty incoming handle never clears a stored handle.
// A record without tags clears existing tags: replacement is unconditional.
func (s *Store) Upsert(ctx context.Context, did string, record Record, handle string) error {
	if strings.TrimSpace(did) == "" {
		return newStoreError(opUpsert, "missing_did", errMissingDID)
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return newStoreError(opUpsert, "encode_record", err)
	}

	var photos []byte
	if len(record.Photos) > 0 {
		photos, err = json.Marshal(record.Photos)
		if err != nil {
			return newStoreError(opUpsert, "encode_photos", err)
		}
	}

	row := Profile{
		DID:         did,
		DisplayName: record.DisplayName,
		Bio:         record.Bio,
		Location:    record.Location,
		Gender:      record.Gender,
		Pronouns:    record.Pronouns,
		Age:         record.Age,
		Photos:      datatypes.JSON(photos),
		IndexedAt:   s.clock().UTC(),
		RawRecord:   datatypes.JSON(raw),
	}
	if record.CreatedAt != "" {
		createdAt := record.CreatedAt
		row.CreatedAt = &createdAt
	}
	if strings.TrimSpace(handle) != "" {
		trimmed := strings.TrimSpace(handle)
		row.Handle = &trimmed
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Profile
		err := tx.Where("did = ?", did).Take(&existing).Error
		switch {
		case err == nil:
			if row.Handle == nil {
				row.Handle = existing.Handle
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// First create for this did.
		default:
			return err
		}

		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{UpdateAll: true}).
			Create(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("did = ?", did).Delete(&ProfileTag{}).Error; err != nil {
			return err
		}
		if tags := tagRows(did, record.Tags); len(tags) > 0 {
			if err := tx.Create(&tags).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("did = ?", did).Delete(&ProfileIntention{}).Error; err != nil {
			return err
		}
		if intentions := intentionRows(did, record.Intentions); len(intentions) > 0 {
			if err := tx.Create(&intentions).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if txErr != nil {
		return newStoreError(opUpsert, "transaction", txErr)
	}

	return nil
}

// Delete removes the profile row for did. The tag and intention rows go with
// it through the foreign-key cascade. Deleting an absent did is a no-op.
func (s *Store) Delete(ctx context.Context, did string) error {
	if strings.TrimSpace(did) == "" {
		return newStoreError(opDelete, "missing_did", errMissingDID)
	}
	if err := s.db.WithContext(ctx).Where("did = ?", did).Delete(&Profile{}).Error; err != nil {
		return newStoreError(opDelete, "delete_row", err)
	}
	return nil
}

// UpdateHandle sets only the handle column for did. A did with no profile row
// is left untouched: identity events may arrive for accounts this index never
// saw a profile record for.
func (s *Store) UpdateHandle(ctx context.Context, did string, handle string) error {
	if strings.TrimSpace(did) == "" {
		return newStoreError(opUpdateHandle, "missing_did", errMissingDID)
	}
	result := s.db.WithContext(ctx).Model(&Profile{}).
		Where("did = ?", did).
		Update("handle", handle)
	if result.Error != nil {
		return newStoreError(opUpdateHandle, "update_column", result.Error)
	}
	return nil
}

// Cursor returns the persisted stream resume point, reporting false when no
// cursor has been saved yet.
func (s *Store) Cursor(ctx context.Context) (int64, bool, error) {
	var row StreamCursor
	err := s.db.WithContext(ctx).Where("id = ?", cursorRowID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newStoreError(opCursor, "read_row", err)
	}
	return row.TimeUS, true, nil
}

// SaveCursor overwrites the singleton cursor row with timeUS.
func (s *Store) SaveCursor(ctx context.Context, timeUS int64) error {
	row := StreamCursor{ID: cursorRowID, TimeUS: timeUS}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error; err != nil {
		return newStoreError(opSaveCursor, "write_row", err)
	}
	return nil
}

// Get loads one profile with its tag and intention sets attached.
func (s *Store) Get(ctx context.Context, did string) (Profile, bool, error) {
	var row Profile
	err := s.db.WithContext(ctx).
		Preload("Tags").
		Preload("Intentions").
		Where("did = ?", did).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, newStoreError(opGet, "read_row", err)
	}
	return row, true, nil
}

// Count returns the number of indexed profiles.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&Profile{}).Count(&total).Error; err != nil {
		return 0, newStoreError(opBrowse, "count", err)
	}
	return total, nil
}

// AllDIDs returns every indexed did, the candidate set for list backfill.
func (s *Store) AllDIDs(ctx context.Context) ([]string, error) {
	var dids []string
	if err := s.db.WithContext(ctx).Model(&Profile{}).
		Order("did").
		Pluck("did", &dids).Error; err != nil {
		return nil, newStoreError(opBrowse, "pluck_dids", err)
	}
	return dids, nil
}

func tagRows(did string, tags []string) []ProfileTag {
	rows := make([]ProfileTag, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		folded := strings.ToLower(strings.TrimSpace(tag))
		if folded == "" {
			continue
		}
		if _, ok := seen[folded]; ok {
			continue
		}
		seen[folded] = struct{}{}
		rows = append(rows, ProfileTag{DID: did, Tag: folded})
	}
	return rows
}

func intentionRows(did string, intentions []string) []ProfileIntention {
	rows := make([]ProfileIntention, 0, len(intentions))
	seen := make(map[string]struct{}, len(intentions))
	for _, intention := range intentions {
		trimmed := strings.TrimSpace(intention)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		rows = append(rows, ProfileIntention{DID: did, Intention: trimmed})
	}
	return rows
}
