// Package models defines the domain types for Verdant.
package models

import "time"

// Kind names an entity kind. Each kind has its own table and default tree.
type Kind string

const (
	KindPlant            Kind = "plant"
	KindFertilizer       Kind = "fertilizer"
	KindCompostingMethod Kind = "composting_method"
	KindGrowingGround    Kind = "growing_ground"
	KindSeasonalTip      Kind = "seasonal_tip"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{
	KindPlant,
	KindFertilizer,
	KindCompostingMethod,
	KindGrowingGround,
	KindSeasonalTip,
}

// NotSpecified is the placeholder stored in text fields that have no value.
const NotSpecified = "Not specified"

// Record is a stored entity: normalized columns plus one nested document.
type Record struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Fields    map[string]any `json:"fields"`
	Document  map[string]any `json:"document"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ListQuery narrows a record listing. Query matches text fields by
// substring.
type ListQuery struct {
	OwnerID string
	Query   string
	Limit   int
	Offset  int
	Sort    string
}
