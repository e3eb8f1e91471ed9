package search

import "github.com/yourorg/catalog-search/internal/cdc"

// Document is the index-side projection of a catalog row. Storage-only
// columns such as stock are never forwarded.
type Document struct {
	ID          int64   `json:"id"`
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Tags        string  `json:"tags"`
	IsActive    bool    `json:"isActive"`
}

func FromRow(r cdc.RowImage) Document {
	return Document{
		ID:          r.ID,
		SKU:         r.SKU,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Price:       r.Price,
		Tags:        r.Tags,
		IsActive:    r.IsActive,
	}
}

type OpKind int

const (
	OpUpsert OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpUpsert:
		return "index"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BulkOperation is one action of a bulk request. Doc is nil for deletes.
type BulkOperation struct {
	Kind OpKind
	Key  string
	Doc  *Document
}
