package listsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.uber.org/zap"
)

// memberPageSize is the page size for enumerating current list membership.
const memberPageSize = 100

var (
	errMissingClient   = errors.New("listsync: repo client is required")
	errMissingOwnerDID = errors.New("listsync: list owner did is required")
	errMissingListURI  = errors.New("listsync: list uri is required")
)

// ManagerConfig captures the dependencies for constructing a Manager.
type ManagerConfig struct {
	Client   *Client
	OwnerDID string
	ListURI  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Manager mirrors profile lifecycle into one externally hosted curated list.
// Membership is never cached across calls: the remote enumeration is the only
// source of truth.
type Manager struct {
	client   *Client
	ownerDID string
	listURI  string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if strings.TrimSpace(cfg.OwnerDID) == "" {
		return nil, errMissingOwnerDID
	}
	if strings.TrimSpace(cfg.ListURI) == "" {
		return nil, errMissingListURI
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		client:   cfg.Client,
		ownerDID: cfg.OwnerDID,
		listURI:  cfg.ListURI,
		clock:    clock,
		logger:   logger,
	}, nil
}

// ExistingMembers enumerates the full remote membership of the configured
// list, mapping each subject did to its membership record's own locator.
func (m *Manager) ExistingMembers(ctx context.Context) (map[string]string, error) {
	members := make(map[string]string)
	cursor := ""

	for {
		records, nextCursor, err := m.client.ListRecords(ctx, m.ownerDID, ListItemCollection, memberPageSize, cursor)
		if err != nil {
			return nil, err
		}

		for _, record := range records {
			if record.Value.List == m.listURI && record.Value.Subject != "" {
				members[record.Value.Subject] = record.URI
			}
		}

		if nextCursor == "" {
			return members, nil
		}
		cursor = nextCursor
	}
}

// AddMember creates a membership record for did, timestamped at call time.
// Idempotency is the caller's concern: adding an existing member produces a
// duplicate remote record.
func (m *Manager) AddMember(ctx context.Context, did string) error {
	record := ListItemRecord{
		Type:      ListItemCollection,
		Subject:   did,
		List:      m.listURI,
		CreatedAt: m.clock().UTC().Format(time.RFC3339),
	}
	return m.client.CreateRecord(ctx, m.ownerDID, ListItemCollection, record)
}

// RemoveMember deletes did's membership record, reporting whether a removal
// actually occurred.
func (m *Manager) RemoveMember(ctx context.Context, did string) (bool, error) {
	members, err := m.ExistingMembers(ctx)
	if err != nil {
		return false, err
	}

	recordURI, ok := members[did]
	if !ok {
		return false, nil
	}

	parsed, err := syntax.ParseATURI(recordURI)
	if err != nil {
		return false, fmt.Errorf("parse record uri %q: %w", recordURI, err)
	}
	rkey := parsed.RecordKey().String()
	if rkey == "" {
		return false, fmt.Errorf("record uri %q has no record key", recordURI)
	}

	if err := m.client.DeleteRecord(ctx, m.ownerDID, ListItemCollection, rkey); err != nil {
		return false, err
	}
	return true, nil
}
