package core

import "time"

// Watermark is the highest-seen incremental column value per
// (pipeline, asset) pair, used to bound future extractions.
// Advances are monotonic under the column type's ordering.
type Watermark struct {
	PipelineID  string    `json:"pipeline_id"`
	AssetID     string    `json:"asset_id"`
	Column      string    `json:"column_name"`
	LastValue   any       `json:"last_value"`
	LastUpdated time.Time `json:"last_updated"`
}
