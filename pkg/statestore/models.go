package statestore

import "gorm.io/datatypes"

// LabelerCursor is the last acknowledged subscription sequence for a
// publisher.
type LabelerCursor struct {
	DID string `gorm:"column:did;primaryKey"`
	Seq int64  `gorm:"column:seq;not null"`
}

func (LabelerCursor) TableName() string {
	return "labeler_cursors"
}

// IdentityEntry caches a publisher's resolved signing key and service
// endpoint. CachedAt is unix milliseconds.
type IdentityEntry struct {
	DID        string `gorm:"column:did;primaryKey"`
	SigningKey string `gorm:"column:signing_key;not null"`
	Endpoint   string `gorm:"column:endpoint;not null"`
	CachedAt   int64  `gorm:"column:cached_at;not null"`
}

func (IdentityEntry) TableName() string {
	return "identity_cache"
}

// ServiceEntry caches the label values a publisher has declared in its
// service record. CachedAt is unix milliseconds; zero marks an entry
// force-expired by the change watcher.
type ServiceEntry struct {
	DID      string                      `gorm:"column:did;primaryKey"`
	Values   datatypes.JSONSlice[string] `gorm:"column:label_values"`
	CachedAt int64                       `gorm:"column:cached_at;not null"`
}

func (ServiceEntry) TableName() string {
	return "service_cache"
}
