package core

// Asset is a logical named datum (table, file, endpoint) exposed by an
// external Connection. Only the attributes the core consumes are modeled.
type Asset struct {
	ID                   string         `json:"id"`
	ConnectionID         string         `json:"connection_id"`
	FullyQualifiedName   string         `json:"fully_qualified_name"`
	IsIncrementalCapable bool           `json:"is_incremental_capable"`
	Config               map[string]any `json:"config,omitempty"`
}

// WatermarkColumn returns the asset's configured incremental column, if any.
func (a *Asset) WatermarkColumn() string {
	if a == nil || a.Config == nil {
		return ""
	}
	if v, ok := a.Config["watermark_column"].(string); ok {
		return v
	}
	return ""
}

// ConnectionBlob is a resolved connection configuration handed to workers by
// value. Blobs are per-run immutable.
type ConnectionBlob struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}
