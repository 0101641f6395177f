package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
)

// TypeMemory is the connection type of the in-process connector used by
// tests and local smoke runs.
const TypeMemory = "memory"

func init() {
	Register(TypeMemory, func(blob *core.ConnectionBlob) (Connector, error) {
		bank := "default"
		if blob.Config != nil {
			if v, ok := blob.Config["bank"].(string); ok && v != "" {
				bank = v
			}
		}
		return &memoryConnector{bank: BankFor(bank)}, nil
	})
}

// Bank is a named set of in-memory tables shared by memory connectors.
type Bank struct {
	mu      sync.Mutex
	tables  map[string][]core.Row
	schemas map[string]map[string]core.ColumnType
}

var (
	banksMu sync.Mutex
	banks   = make(map[string]*Bank)
)

// BankFor returns the named bank, creating it on first use.
func BankFor(name string) *Bank {
	banksMu.Lock()
	defer banksMu.Unlock()
	if b, ok := banks[name]; ok {
		return b
	}
	b := &Bank{
		tables:  make(map[string][]core.Row),
		schemas: make(map[string]map[string]core.ColumnType),
	}
	banks[name] = b
	return b
}

// Seed replaces a table's rows.
func (b *Bank) Seed(table string, rows []core.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables[table] = rows
}

// Rows returns a copy of a table's rows.
func (b *Bank) Rows(table string) []core.Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Row, len(b.tables[table]))
	copy(out, b.tables[table])
	return out
}

// SetSchema declares a table's column set.
func (b *Bank) SetSchema(table string, schema map[string]core.ColumnType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.schemas[table] = schema
}

type memoryConnector struct {
	bank *Bank
}

var (
	_ Connector     = (*memoryConnector)(nil)
	_ SchemaEvolver = (*memoryConnector)(nil)
)

func (c *memoryConnector) Open(context.Context) error  { return nil }
func (c *memoryConnector) Close(context.Context) error { return nil }

func (c *memoryConnector) TestConnection(context.Context) error { return nil }

func (c *memoryConnector) ReadBatch(_ context.Context, asset *core.Asset, params ReadParams) (ChunkStream, error) {
	rows := c.bank.Rows(asset.FullyQualifiedName)

	if params.WatermarkColumn != "" && params.WatermarkValue != nil {
		filtered := rows[:0:0]
		for _, row := range rows {
			keep, err := afterWatermark(row[params.WatermarkColumn], params.WatermarkValue)
			if err != nil {
				return nil, err
			}
			if keep {
				filtered = append(filtered, row)
			}
		}
		rows = filtered
	}

	batch := params.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	var chunks []*core.Chunk
	for start := 0; start < len(rows); start += batch {
		end := start + batch
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, core.NewChunk(rows[start:end]))
	}
	return NewSliceStream(chunks), nil
}

// afterWatermark reports whether the row value is strictly greater than the
// current watermark under the watermark type ordering.
func afterWatermark(value, mark any) (bool, error) {
	if value == nil {
		return false, nil
	}
	nv, err := watermark.Normalize(value)
	if err != nil {
		return false, err
	}
	nm, err := watermark.Normalize(mark)
	if err != nil {
		return false, err
	}
	cmp, err := watermark.Compare(nv, nm)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

func (c *memoryConnector) WriteBatch(ctx context.Context, asset *core.Asset, strategy core.WriteStrategy, chunks ChunkStream) (int64, error) {
	incoming, err := Drain(ctx, chunks)
	if err != nil {
		return 0, err
	}

	c.bank.mu.Lock()
	defer c.bank.mu.Unlock()

	table := asset.FullyQualifiedName
	var written int64
	switch strategy {
	case core.WriteOverwrite:
		c.bank.tables[table] = nil
		fallthrough
	case core.WriteAppend, "":
		for _, chunk := range incoming {
			c.bank.tables[table] = append(c.bank.tables[table], chunk.Rows...)
			written += int64(len(chunk.Rows))
		}
	case core.WriteUpsert:
		key := upsertKey(asset)
		if key == "" {
			return 0, core.NewError(core.ErrConfiguration,
				"upsert into %s requires a primary_key in asset config", table)
		}
		index := make(map[string]int, len(c.bank.tables[table]))
		for i, row := range c.bank.tables[table] {
			index[fmt.Sprintf("%v", row[key])] = i
		}
		for _, chunk := range incoming {
			for _, row := range chunk.Rows {
				if i, ok := index[fmt.Sprintf("%v", row[key])]; ok {
					c.bank.tables[table][i] = row
				} else {
					index[fmt.Sprintf("%v", row[key])] = len(c.bank.tables[table])
					c.bank.tables[table] = append(c.bank.tables[table], row)
				}
				written++
			}
		}
	default:
		return 0, core.NewError(core.ErrConfiguration, "unknown write strategy %q", strategy)
	}
	return written, nil
}

func upsertKey(asset *core.Asset) string {
	if asset.Config == nil {
		return ""
	}
	if v, ok := asset.Config["primary_key"].(string); ok {
		return v
	}
	return ""
}

func (c *memoryConnector) ExecuteQuery(_ context.Context, query string) (*core.Chunk, error) {
	// The memory connector treats the query string as a table name.
	rows := c.bank.Rows(query)
	if rows == nil {
		return nil, core.NewError(core.ErrConfiguration, "unknown table %q", query)
	}
	return core.NewChunk(rows), nil
}

func (c *memoryConnector) DiscoverAssets(context.Context) ([]core.Asset, error) {
	c.bank.mu.Lock()
	defer c.bank.mu.Unlock()

	var out []core.Asset
	for table := range c.bank.tables {
		out = append(out, core.Asset{FullyQualifiedName: table})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FullyQualifiedName < out[j].FullyQualifiedName
	})
	return out, nil
}

func (c *memoryConnector) InferSchema(_ context.Context, asset *core.Asset) (map[string]core.ColumnType, error) {
	c.bank.mu.Lock()
	defer c.bank.mu.Unlock()

	table := asset.FullyQualifiedName
	if schema, ok := c.bank.schemas[table]; ok {
		out := make(map[string]core.ColumnType, len(schema))
		for k, v := range schema {
			out[k] = v
		}
		return out, nil
	}

	// No declared schema: infer from the first row.
	rows := c.bank.tables[table]
	if len(rows) == 0 {
		return map[string]core.ColumnType{}, nil
	}
	out := make(map[string]core.ColumnType, len(rows[0]))
	for col, val := range rows[0] {
		out[col] = inferType(val)
	}
	return out, nil
}

func inferType(v any) core.ColumnType {
	switch v.(type) {
	case int, int32, int64:
		return core.ColumnInteger
	case float32, float64:
		return core.ColumnFloat
	case bool:
		return core.ColumnBoolean
	case time.Time:
		return core.ColumnDatetime
	default:
		return core.ColumnString
	}
}

// AddColumns implements SchemaEvolver.
func (c *memoryConnector) AddColumns(_ context.Context, asset *core.Asset, columns map[string]core.ColumnType) error {
	c.bank.mu.Lock()
	defer c.bank.mu.Unlock()

	table := asset.FullyQualifiedName
	schema := c.bank.schemas[table]
	if schema == nil {
		schema = make(map[string]core.ColumnType)
		c.bank.schemas[table] = schema
	}
	for col, typ := range columns {
		if _, ok := schema[col]; !ok {
			schema[col] = typ
		}
	}
	return nil
}
