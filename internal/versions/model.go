package versions

import (
	"errors"
	"time"
)

var (
	// ErrVersionNotFound indicates that no version matches the lookup.
	ErrVersionNotFound = errors.New("versions: version not found")
	// ErrInvalidTrigger indicates an unknown trigger type.
	ErrInvalidTrigger = errors.New("versions: invalid trigger type")
	// ErrInvalidProductID indicates an empty product identifier.
	ErrInvalidProductID = errors.New("versions: invalid product id")
)

// Version is an append-only row of product_versions.
type Version struct {
	VersionID     string    `gorm:"column:version_id;primaryKey;size:190;not null"`
	ProductID     string    `gorm:"column:product_id;size:190;not null;uniqueIndex:idx_versions_product_number,priority:1"`
	VersionNumber int64     `gorm:"column:version_number;not null;uniqueIndex:idx_versions_product_number,priority:2"`
	FormDataJSON  string    `gorm:"column:form_data;type:text;not null"`
	TriggerType   string    `gorm:"column:trigger_type;size:32;not null"`
	MetadataJSON  string    `gorm:"column:metadata;type:text;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "product_versions"
}

// Counter holds the last issued version number per product.
type Counter struct {
	ProductID  string `gorm:"column:product_id;primaryKey;size:190;not null"`
	LastNumber int64  `gorm:"column:last_number;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "product_version_counters"
}

// ChangeKind classifies a field difference between two versions.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Chunk is one inserted or deleted run of text.
type Chunk struct {
	Type    ChangeKind `json:"type"`
	Content string     `json:"content"`
}

// FieldDiff describes how one field differs between two versions.
type FieldDiff struct {
	Field  string     `json:"field"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
	Chunks []Chunk    `json:"chunks"`
}

// Comparison is the diff between two versions of the same product.
type Comparison struct {
	ProductID  string      `json:"product_id"`
	FromNumber int64       `json:"from_number"`
	ToNumber   int64       `json:"to_number"`
	Fields     []FieldDiff `json:"fields"`
}
