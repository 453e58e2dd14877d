package profiles

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB, *time.Time) {
	t.Helper()

	dsn := fmt.Sprintf("file:datesky_test_%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}, &ProfileTag{}, &ProfileIntention{}, &StreamCursor{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	return store, db, &now
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func testRecord(tags []string, intentions []string) Record {
	return Record{
		Type:        "app.datesky.profile",
		DisplayName: stringPtr("Robin"),
		Bio:         stringPtr("hello"),
		Location:    stringPtr("Berlin, Germany"),
		Pronouns:    stringPtr("they/them"),
		Age:         intPtr(29),
		Tags:        tags,
		Intentions:  intentions,
		CreatedAt:   "2026-05-01T12:00:00Z",
	}
}

func tagSet(t *testing.T, db *gorm.DB, did string) map[string]bool {
	t.Helper()
	var rows []ProfileTag
	if err := db.Where("did = ?", did).Find(&rows).Error; err != nil {
		t.Fatalf("failed to read tags: %v", err)
	}
	set := make(map[string]bool, len(rows))
	for _, row := range rows {
		set[row.Tag] = true
	}
	return set
}

func intentionSet(t *testing.T, db *gorm.DB, did string) map[string]bool {
	t.Helper()
	var rows []ProfileIntention
	if err := db.Where("did = ?", did).Find(&rows).Error; err != nil {
		t.Fatalf("failed to read intentions: %v", err)
	}
	set := make(map[string]bool, len(rows))
	for _, row := range rows {
		set[row.Intention] = true
	}
	return set
}
