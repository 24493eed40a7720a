package api

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/schema"
)

const maxQueryLen = 200

var recordIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// CreateRecordRequest is the request body for creating a record. ID is
// optional; a UUID is assigned when it is empty.
type CreateRecordRequest struct {
	ID     string         `json:"id,omitempty" example:"cherry-tomato"`
	Fields map[string]any `json:"fields" validate:"required"`
}

// Validate validates the create request.
func (r CreateRecordRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Length(1, 128), validation.Match(recordIDRe)),
	)
}

// Record is the full record response type (aliased from the domain layer).
type Record = models.Record

// RecordListResponse wraps paginated record listings.
type RecordListResponse struct {
	Records []Record `json:"records" validate:"required"`
	Total   int      `json:"total" example:"42" validate:"required"`
}

// KindSchemaResponse describes the shape of one kind.
type KindSchemaResponse struct {
	Kind      models.Kind          `json:"kind" example:"plant" validate:"required"`
	Fields    []schema.Field       `json:"fields" validate:"required"`
	Images    []schema.ImageTarget `json:"images" validate:"required"`
	Owned     bool                 `json:"owned"`
	Deletable bool                 `json:"deletable"`
	SortKeys  []string             `json:"sort_keys" validate:"required"`
	Document  map[string]any       `json:"document" validate:"required"`
}

// AssetUploadResponse is returned after a successful asset upload.
type AssetUploadResponse struct {
	URL       string `json:"url" example:"/assets/uploads/3f2a.png" validate:"required"`
	MediaType string `json:"media_type" example:"image/png" validate:"required"`
	Size      int    `json:"size" example:"12345" validate:"required"`
}

// listParams are the query parameters of a record listing.
type listParams struct {
	Limit  int
	Offset int
	Sort   string
	Query  string
}

// validate checks paging bounds and the sort key against sortKeys.
func (p listParams) validate(sortKeys []string) error {
	allowed := make([]any, len(sortKeys))
	for i, k := range sortKeys {
		allowed[i] = k
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Limit, validation.Min(0), validation.Max(500)),
		validation.Field(&p.Offset, validation.Min(0)),
		validation.Field(&p.Sort, validation.In(allowed...)),
		validation.Field(&p.Query, validation.Length(0, maxQueryLen)),
	)
}
