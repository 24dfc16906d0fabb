package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type SuspensionOrigin string

const (
	SuspensionOriginLocal  = SuspensionOrigin("local")
	SuspensionOriginRemote = SuspensionOrigin("remote")
)

// SuspensionState describes the availability of an account. The permanent
// state is entered externally, by the deletion worker resolving the pending
// DeletionRequest; this package only ever distinguishes the states.
type SuspensionState string

const (
	SuspensionStateActive    = SuspensionState("active")
	SuspensionStateTemporary = SuspensionState("suspended_temporarily")
	SuspensionStatePermanent = SuspensionState("suspended_permanently")
)

type Account struct {
	ID uint64 `gorm:"column:id;primarykey"`

	// these fields are automatically managed by gorm (by convention)
	CreatedAt time.Time
	UpdatedAt time.Time

	Username string `gorm:"column:username;index:idx_account_acct,unique;not null"`

	// empty string means the account lives on this server
	Domain string `gorm:"column:domain;index:idx_account_acct,unique"`

	// canonical identity URI; stable for the life of the account
	URI string `gorm:"column:uri;uniqueIndex;not null"`

	// locked accounts require manual approval of follow requests
	Locked bool `gorm:"column:locked;default:false"`

	// the server's own representative identity; must stay reachable even
	// when flagged suspended
	InstanceActor bool `gorm:"column:instance_actor;default:false"`

	SuspendedAt      *time.Time       `gorm:"column:suspended_at"`
	SuspensionOrigin SuspensionOrigin `gorm:"column:suspension_origin"`

	MovedToAccountID *uint64 `gorm:"column:moved_to_account_id"`
}

func (Account) TableName() string {
	return "account"
}

// This is a small extension table to `Account`, holding the fast-changing
// aggregate counters. Exactly one row per account, created lazily on the
// first counter mutation. Counters are only ever moved by the ledger's
// atomic upsert, never recomputed per read.
type AccountStat struct {
	// references Account.ID, but not set up as a foreign key
	AccountID uint64 `gorm:"column:account_id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	FollowersCount int64 `gorm:"column:followers_count;not null;default:0"`
	FollowingCount int64 `gorm:"column:following_count;not null;default:0"`
	StatusesCount  int64 `gorm:"column:statuses_count;not null;default:0"`

	LastStatusAt *time.Time `gorm:"column:last_status_at"`
}

func (AccountStat) TableName() string {
	return "account_stat"
}

// LanguageList stores an optional set of language tags as a JSON text
// column, so the same model works on sqlite and postgres.
type LanguageList []string

// GormDataType tells the migrator what column to create; the value
// round-trips through Value/Scan, not gorm's slice handling.
func (LanguageList) GormDataType() string {
	return "text"
}

func (l LanguageList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *LanguageList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported column type for language list: %T", value)
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

type Follow struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	SourceAccountID uint64 `gorm:"column:source_account_id;index:idx_follow_pair,unique;not null"`
	TargetAccountID uint64 `gorm:"column:target_account_id;index:idx_follow_pair,unique;not null"`

	// defaults for the flag fields are applied by the engine's
	// constructors, not column defaults: gorm drops zero-value fields
	// carrying a default tag from the INSERT, which would turn an explicit
	// false back into true
	ShowReblogs bool         `gorm:"column:show_reblogs"`
	Notify      bool         `gorm:"column:notify"`
	Languages   LanguageList `gorm:"column:languages"`

	// federation provenance; empty for locally-originated follows
	URI string `gorm:"column:uri"`
}

func (Follow) TableName() string {
	return "follow"
}

// A pending follow toward a locked account. A FollowRequest and a Follow
// for the same ordered pair are mutually exclusive; acceptance swaps one
// for the other in a single transaction.
type FollowRequest struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	SourceAccountID uint64 `gorm:"column:source_account_id;index:idx_follow_request_pair,unique;not null"`
	TargetAccountID uint64 `gorm:"column:target_account_id;index:idx_follow_request_pair,unique;not null"`

	ShowReblogs bool         `gorm:"column:show_reblogs"`
	Notify      bool         `gorm:"column:notify"`
	Languages   LanguageList `gorm:"column:languages"`

	URI string `gorm:"column:uri"`
}

func (FollowRequest) TableName() string {
	return "follow_request"
}

type Block struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	SourceAccountID uint64 `gorm:"column:source_account_id;index:idx_block_pair,unique;not null"`
	TargetAccountID uint64 `gorm:"column:target_account_id;index:idx_block_pair,unique;not null"`

	URI string `gorm:"column:uri"`
}

func (Block) TableName() string {
	return "block"
}

type Mute struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	SourceAccountID uint64 `gorm:"column:source_account_id;index:idx_mute_pair,unique;not null"`
	TargetAccountID uint64 `gorm:"column:target_account_id;index:idx_mute_pair,unique;not null"`

	HideNotifications bool `gorm:"column:hide_notifications"`

	// nil means the mute is indefinite
	ExpiresAt *time.Time `gorm:"column:expires_at"`
}

func (Mute) TableName() string {
	return "mute"
}

type DomainBlock struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID uint64 `gorm:"column:account_id;index:idx_domain_block_pair,unique;not null"`
	Domain    string `gorm:"column:domain;index:idx_domain_block_pair,unique;not null"`
}

func (DomainBlock) TableName() string {
	return "domain_block"
}

// Marker row created when an account is suspended; its presence means the
// suspension is still reversible. The deletion worker removes it once
// cleanup has actually run, which makes the suspension permanent.
type DeletionRequest struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time

	AccountID uint64 `gorm:"column:account_id;uniqueIndex;not null"`
}

func (DeletionRequest) TableName() string {
	return "deletion_request"
}

// Blocks re-registration with the email address of a suspended account.
// Only a salted hash of the canonical address is kept.
type CanonicalEmailBlock struct {
	ID uint64 `gorm:"column:id;primarykey"`

	CreatedAt time.Time

	CanonicalEmailHash string `gorm:"column:canonical_email_hash;uniqueIndex;not null"`

	ReferenceAccountID uint64 `gorm:"column:reference_account_id;index"`
}

func (CanonicalEmailBlock) TableName() string {
	return "canonical_email_block"
}
