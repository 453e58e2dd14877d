package profiles

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"gorm.io/datatypes"
)

// ErrInvalidDID indicates that a subject identifier is not a syntactically valid DID.
var ErrInvalidDID = errors.New("profiles: invalid did")

// NewDID validates raw input and returns the canonical DID string.
func NewDID(rawInput string) (string, error) {
	did, err := syntax.ParseDID(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	return did.String(), nil
}

// KnownIntentions is the closed vocabulary published by the profile lexicon.
// The store does not enforce it; enforcement is a write-side concern of the
// editing client that produced the record.
var KnownIntentions = []string{"dating", "friends", "casual", "long-term"}

// Photo is one entry of a profile's photo set: an opaque blob reference plus alt text.
type Photo struct {
	Image json.RawMessage `json:"image"`
	Alt   string          `json:"alt,omitempty"`
}

// Record is the decoded app.datesky.profile record as it appears on the wire.
// Every field except CreatedAt is optional.
type Record struct {
	Type        string   `json:"$type,omitempty"`
	DisplayName *string  `json:"displayName,omitempty"`
	Bio         *string  `json:"bio,omitempty"`
	Photos      []Photo  `json:"photos,omitempty"`
	Intentions  []string `json:"intentions,omitempty"`
	Location    *string  `json:"location,omitempty"`
	Gender      *string  `json:"gender,omitempty"`
	Pronouns    *string  `json:"pronouns,omitempty"`
	Age         *int     `json:"age,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

// Profile is the materialized view row for one indexed profile record.
type Profile struct {
	DID         string             `gorm:"column:did;primaryKey;size:2048;not null"`
	Handle      *string            `gorm:"column:handle;size:253"`
	DisplayName *string            `gorm:"column:display_name;size:640"`
	Bio         *string            `gorm:"column:bio;type:text"`
	Location    *string            `gorm:"column:location;size:320;index:idx_profiles_location"`
	Gender      *string            `gorm:"column:gender;size:320"`
	Pronouns    *string            `gorm:"column:pronouns;size:320"`
	Age         *int               `gorm:"column:age;index:idx_profiles_age"`
	Photos      datatypes.JSON     `gorm:"column:photos_json"`
	CreatedAt   *string            `gorm:"column:created_at;size:64"`
	IndexedAt   time.Time          `gorm:"column:indexed_at;not null;index:idx_profiles_indexed_at"`
	RawRecord   datatypes.JSON     `gorm:"column:raw_record"`
	Tags        []ProfileTag       `gorm:"foreignKey:DID;references:DID;constraint:OnDelete:CASCADE"`
	Intentions  []ProfileIntention `gorm:"foreignKey:DID;references:DID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// ProfileTag is one (did, tag) association. Tags are stored lower-cased and the
// full set is replaced on every profile upsert.
type ProfileTag struct {
	DID string `gorm:"column:did;primaryKey;size:2048;not null"`
	Tag string `gorm:"column:tag;primaryKey;size:640;not null;index:idx_profile_tags_tag"`
}

// TableName provides the explicit table binding for GORM.
func (ProfileTag) TableName() string {
	return "profile_tags"
}

// ProfileIntention is one (did, intention) association, replaced wholesale like tags.
type ProfileIntention struct {
	DID       string `gorm:"column:did;primaryKey;size:2048;not null"`
	Intention string `gorm:"column:intention;primaryKey;size:64;not null;index:idx_profile_intentions_intention"`
}

// TableName provides the explicit table binding for GORM.
func (ProfileIntention) TableName() string {
	return "profile_intentions"
}

// StreamCursor is the singleton resume point into the event feed, in feed
// microseconds. Exactly one row with ID 1 exists once the first save happens.
type StreamCursor struct {
	ID     int   `gorm:"column:id;primaryKey"`
	TimeUS int64 `gorm:"column:cursor_us;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StreamCursor) TableName() string {
	return "cursor"
}
