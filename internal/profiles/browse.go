package profiles

import (
	"context"
	"strings"

	"gorm.io/gorm"
)

const (
	defaultBrowseLimit = 20
	maxBrowseLimit     = 50
)

// BrowseQuery is the filter set for the browse path. Filters compose with AND
// semantics; zero values mean "no filter".
type BrowseQuery struct {
	Tag       string
	Location  string
	Intention string
	Page      int
	Limit     int
}

// BrowseResult is one page of matching profiles plus the page-independent total.
type BrowseResult struct {
	Profiles []Profile
	Total    int64
	Page     int
	Limit    int
}

// Browse returns profiles matching every supplied filter, most recently
// indexed first, with tag and intention sets attached to each row.
func (s *Store) Browse(ctx context.Context, query BrowseQuery) (BrowseResult, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultBrowseLimit
	}
	if limit > maxBrowseLimit {
		limit = maxBrowseLimit
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	filtered := s.browseScope(ctx, query)

	var total int64
	if err := filtered.Count(&total).Error; err != nil {
		return BrowseResult{}, newStoreError(opBrowse, "count", err)
	}

	var rows []Profile
	if err := s.browseScope(ctx, query).
		Preload("Tags").
		Preload("Intentions").
		Order("indexed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return BrowseResult{}, newStoreError(opBrowse, "page", err)
	}

	return BrowseResult{Profiles: rows, Total: total, Page: page, Limit: limit}, nil
}

func (s *Store) browseScope(ctx context.Context, query BrowseQuery) *gorm.DB {
	scope := s.db.WithContext(ctx).Model(&Profile{})

	if tag := strings.TrimSpace(query.Tag); tag != "" {
		scope = scope.Where(
			"did IN (SELECT did FROM profile_tags WHERE tag = ?)",
			strings.ToLower(tag),
		)
	}
	if location := strings.TrimSpace(query.Location); location != "" {
		scope = scope.Where("location LIKE ?", "%"+location+"%")
	}
	if intention := strings.TrimSpace(query.Intention); intention != "" {
		scope = scope.Where(
			"did IN (SELECT did FROM profile_intentions WHERE intention = ?)",
			intention,
		)
	}

	return scope
}
