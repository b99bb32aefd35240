package products

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProductID indicates that a product identifier is empty or exceeds storage bounds.
	ErrInvalidProductID = errors.New("products: invalid product id")
	// ErrInvalidStoreID indicates that a store identifier is empty or exceeds storage bounds.
	ErrInvalidStoreID = errors.New("products: invalid store id")
	// ErrInvalidPlatform indicates an unsupported storefront platform.
	ErrInvalidPlatform = errors.New("products: invalid platform")
	// ErrInvalidSyncRequest indicates a sync request without the data its direction requires.
	ErrInvalidSyncRequest = errors.New("products: invalid sync request")
	// ErrProductNotFound indicates that no product exists for the identifier.
	ErrProductNotFound = errors.New("products: product not found")
	// ErrProductExists indicates that a product with the identifier is already stored.
	ErrProductExists = errors.New("products: product already exists")
)

// ProductID represents a validated product identifier.
type ProductID string

// NewProductID validates raw input and returns a ProductID.
func NewProductID(rawInput string) (ProductID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProductID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProductID, maxIdentifierLength)
	}
	return ProductID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProductID) String() string {
	return string(id)
}

// Platform names the storefront a product is synced with.
type Platform string

const (
	PlatformWooCommerce Platform = "woocommerce"
	PlatformShopify     Platform = "shopify"
)

// NewPlatform validates raw input and returns a Platform.
func NewPlatform(rawInput string) (Platform, error) {
	platform := Platform(strings.ToLower(strings.TrimSpace(rawInput)))
	switch platform {
	case PlatformWooCommerce, PlatformShopify:
		return platform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, rawInput)
	}
}

// SyncDirection tells MarkSynced which side of the sync won.
type SyncDirection string

const (
	// SyncDirectionPull replaces local form data with the storefront values.
	SyncDirectionPull SyncDirection = "pull"
	// SyncDirectionPush records that local form data was published to the storefront.
	SyncDirectionPush SyncDirection = "push"
)

// Product is the persisted product row. JSON columns hold editor form values.
type Product struct {
	ProductID           string    `gorm:"column:product_id;primaryKey;size:190;not null"`
	StoreID             string    `gorm:"column:store_id;size:190;not null;index:idx_products_store_updated,priority:1"`
	Platform            string    `gorm:"column:platform;size:32;not null"`
	FormDataJSON        string    `gorm:"column:form_data;type:text;not null"`
	RemoteDataJSON      string    `gorm:"column:remote_data;type:text;not null"`
	PulledChecksumsJSON string    `gorm:"column:pulled_checksums;type:text;not null"`
	RemoteChecksumsJSON string    `gorm:"column:remote_checksums;type:text;not null"`
	DirtyFieldsJSON     string    `gorm:"column:dirty_fields;type:text;not null"`
	LastSyncedAt        time.Time `gorm:"column:last_synced_at"`
	RemoteUpdatedAt     time.Time `gorm:"column:remote_updated_at"`
	CreatedAt           time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_products_store_updated,priority:2"`
	Revision            int64     `gorm:"column:revision;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Product) TableName() string {
	return "products"
}

// Record is the decoded view of a Product.
type Record struct {
	ProductID       ProductID         `json:"product_id"`
	StoreID         string            `json:"store_id"`
	Platform        Platform          `json:"platform"`
	FormData        editor.FormValues `json:"form_data"`
	RemoteData      editor.FormValues `json:"remote_data"`
	PulledChecksums map[string]string `json:"pulled_checksums"`
	RemoteChecksums map[string]string `json:"remote_checksums"`
	DirtyFields     []string          `json:"dirty_fields"`
	LastSyncedAt    time.Time         `json:"last_synced_at"`
	RemoteUpdatedAt time.Time         `json:"remote_updated_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Revision        int64             `json:"revision"`
}

// CreateRequest describes a new product. An empty ProductID is generated.
type CreateRequest struct {
	ProductID ProductID
	StoreID   string
	Platform  Platform
	FormData  editor.FormValues
}

// SyncRequest reports a completed pull or push.
type SyncRequest struct {
	Direction SyncDirection
	// RemoteData is required for pulls and ignored for pushes.
	RemoteData editor.FormValues
	SyncedAt   time.Time
}

// RemoteChange is a storefront notification that fields changed remotely.
type RemoteChange struct {
	Fields    editor.FormValues
	ChangedAt time.Time
}

// ListFilter narrows List results.
type ListFilter struct {
	StoreID   string
	DirtyOnly bool
	Limit     int
}
