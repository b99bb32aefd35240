// Package editorstore binds the editor session to the persistent product store.
package editorstore

import (
	"context"

	"github.com/MarcoPoloResearchLab/flowz/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/flowz/backend/internal/products"
)

// ProductService is the subset of products.Service the editor needs.
type ProductService interface {
	Fetch(ctx context.Context, productID products.ProductID) (products.Record, error)
	Update(ctx context.Context, productID products.ProductID, formData editor.FormValues) (products.Record, error)
}

// Records adapts a ProductService to editor.RecordStore.
type Records struct {
	service ProductService
}

var _ editor.RecordStore = (*Records)(nil)

// NewRecords wraps service.
func NewRecords(service ProductService) *Records {
	return &Records{service: service}
}

// Fetch loads the product and exposes its sync bookkeeping to the editor.
func (records *Records) Fetch(ctx context.Context, productID string) (editor.ProductRecord, error) {
	id, err := products.NewProductID(productID)
	if err != nil {
		return editor.ProductRecord{}, err
	}
	record, err := records.service.Fetch(ctx, id)
	if err != nil {
		return editor.ProductRecord{}, err
	}
	return ToEditorRecord(record), nil
}

// Update persists form values.
func (records *Records) Update(ctx context.Context, productID string, values editor.FormValues) (editor.ProductRecord, error) {
	id, err := products.NewProductID(productID)
	if err != nil {
		return editor.ProductRecord{}, err
	}
	record, err := records.service.Update(ctx, id, values)
	if err != nil {
		return editor.ProductRecord{}, err
	}
	return ToEditorRecord(record), nil
}

// ToEditorRecord converts a stored product into the editor's record view.
func ToEditorRecord(record products.Record) editor.ProductRecord {
	return editor.ProductRecord{
		ProductID:       record.ProductID.String(),
		Values:          record.FormData,
		LastSyncedAt:    record.LastSyncedAt,
		RemoteUpdatedAt: record.RemoteUpdatedAt,
		PulledChecksums: record.PulledChecksums,
		RemoteChecksums: record.RemoteChecksums,
	}
}
