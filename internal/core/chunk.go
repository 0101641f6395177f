package core

import "time"

// Row is one record flowing between nodes.
type Row = map[string]any

// Chunk is a bounded tabular unit flowing between nodes. Chunks are owned by
// the data cache while they are an upstream's not-yet-consumed output;
// downstream executors borrow them and must not mutate rows in place.
type Chunk struct {
	Rows []Row `json:"rows"`
}

// NewChunk builds a chunk from rows.
func NewChunk(rows []Row) *Chunk { return &Chunk{Rows: rows} }

// RowCount returns the number of rows in the chunk.
func (c *Chunk) RowCount() int {
	if c == nil {
		return 0
	}
	return len(c.Rows)
}

// EstimatedBytes returns a rough in-memory size estimate used for cache
// budgeting. Exact accounting is not required; the estimate only needs to be
// stable for a given chunk.
func (c *Chunk) EstimatedBytes() int64 {
	if c == nil {
		return 0
	}
	var total int64
	for _, row := range c.Rows {
		total += rowBytes(row)
	}
	return total
}

func rowBytes(row Row) int64 {
	// Map header plus per-entry overhead.
	total := int64(48)
	for k, v := range row {
		total += int64(len(k)) + 16
		total += valueBytes(v)
	}
	return total
}

func valueBytes(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int32, int64, float32, float64:
		return 8
	case string:
		return int64(len(val)) + 16
	case time.Time:
		return 24
	case []any:
		var n int64
		for _, item := range val {
			n += valueBytes(item)
		}
		return n + 24
	case Row:
		return rowBytes(val)
	default:
		return 32
	}
}

// Columns returns the set of column names present in the chunk's first row.
func (c *Chunk) Columns() []string {
	if c == nil || len(c.Rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(c.Rows[0]))
	for k := range c.Rows[0] {
		cols = append(cols, k)
	}
	return cols
}

// TotalRows sums row counts across chunks.
func TotalRows(chunks []*Chunk) int {
	var n int
	for _, c := range chunks {
		n += c.RowCount()
	}
	return n
}

// TotalBytes sums byte estimates across chunks.
func TotalBytes(chunks []*Chunk) int64 {
	var n int64
	for _, c := range chunks {
		n += c.EstimatedBytes()
	}
	return n
}
