package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// TypePostgres is the connection type of the pgx-backed SQL connector.
const TypePostgres = "postgres"

func init() {
	Register(TypePostgres, func(blob *core.ConnectionBlob) (Connector, error) {
		dsn, _ := blob.Config["dsn"].(string)
		if dsn == "" {
			return nil, core.NewError(core.ErrConfiguration,
				"postgres connection %s has no dsn", blob.ID)
		}
		return &postgresConnector{dsn: dsn}, nil
	})
}

type postgresConnector struct {
	dsn  string
	pool *pgxpool.Pool
}

var (
	_ Connector     = (*postgresConnector)(nil)
	_ SchemaEvolver = (*postgresConnector)(nil)
)

func (c *postgresConnector) Open(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, c.dsn)
	if err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "failed to open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return core.WrapError(core.ErrAuthentication, err, "postgres ping failed")
	}
	c.pool = pool
	return nil
}

func (c *postgresConnector) Close(context.Context) error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

func (c *postgresConnector) TestConnection(ctx context.Context) error {
	if c.pool == nil {
		return core.NewError(core.ErrConnectionFail, "connector not open")
	}
	if err := c.pool.Ping(ctx); err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "postgres ping failed")
	}
	return nil
}

func (c *postgresConnector) ReadBatch(ctx context.Context, asset *core.Asset, params ReadParams) (ChunkStream, error) {
	query := params.Query
	var args []any
	if query == "" {
		query = fmt.Sprintf("SELECT * FROM %s", quoteIdent(asset.FullyQualifiedName))
		if params.WatermarkColumn != "" && params.WatermarkValue != nil {
			query += fmt.Sprintf(" WHERE %s > $1", quoteIdent(params.WatermarkColumn))
			args = append(args, params.WatermarkValue)
			query += fmt.Sprintf(" ORDER BY %s", quoteIdent(params.WatermarkColumn))
		}
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, core.WrapError(core.ErrDataTransfer, err, "read from %s failed", asset.FullyQualifiedName)
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &pgxStream{rows: rows, batch: batch}, nil
}

// pgxStream batches a pgx result set into chunks.
type pgxStream struct {
	rows  pgx.Rows
	batch int
	done  bool
}

func (s *pgxStream) Next(ctx context.Context) (*core.Chunk, error) {
	if s.done {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.ErrCancelled, err, "read cancelled")
	}

	fields := s.rows.FieldDescriptions()
	var out []core.Row
	for len(out) < s.batch {
		if !s.rows.Next() {
			s.done = true
			if err := s.rows.Err(); err != nil {
				return nil, core.WrapError(core.ErrDataTransfer, err, "row scan failed")
			}
			break
		}
		values, err := s.rows.Values()
		if err != nil {
			return nil, core.WrapError(core.ErrDataTransfer, err, "row values failed")
		}
		row := make(core.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return core.NewChunk(out), nil
}

func (s *pgxStream) Close() error {
	s.rows.Close()
	return nil
}

func (c *postgresConnector) WriteBatch(ctx context.Context, asset *core.Asset, strategy core.WriteStrategy, chunks ChunkStream) (int64, error) {
	table := asset.FullyQualifiedName

	if strategy == core.WriteOverwrite {
		if _, err := c.pool.Exec(ctx, "TRUNCATE TABLE "+quoteIdent(table)); err != nil {
			return 0, core.WrapError(core.ErrDataTransfer, err, "truncate %s failed", table)
		}
	}

	var written int64
	for {
		chunk, err := chunks.Next(ctx)
		if err != nil {
			return written, err
		}
		if chunk == nil {
			break
		}
		n, err := c.writeChunk(ctx, asset, strategy, chunk)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (c *postgresConnector) writeChunk(ctx context.Context, asset *core.Asset, strategy core.WriteStrategy, chunk *core.Chunk) (int64, error) {
	if chunk.RowCount() == 0 {
		return 0, nil
	}
	columns := chunk.Columns()
	table := asset.FullyQualifiedName

	if strategy == core.WriteUpsert {
		return c.upsertChunk(ctx, asset, columns, chunk)
	}

	src := pgx.CopyFromSlice(chunk.RowCount(), func(i int) ([]any, error) {
		values := make([]any, len(columns))
		for j, col := range columns {
			values[j] = chunk.Rows[i][col]
		}
		return values, nil
	})
	n, err := c.pool.CopyFrom(ctx, pgx.Identifier(identifierParts(table)), columns, src)
	if err != nil {
		return 0, core.WrapError(core.ErrDataTransfer, err, "copy into %s failed", table)
	}
	return n, nil
}

func (c *postgresConnector) upsertChunk(ctx context.Context, asset *core.Asset, columns []string, chunk *core.Chunk) (int64, error) {
	key := upsertKey(asset)
	if key == "" {
		return 0, core.NewError(core.ErrConfiguration,
			"upsert into %s requires a primary_key in asset config", asset.FullyQualifiedName)
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	var sets []string
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if col != key {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		}
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		quoteIdent(asset.FullyQualifiedName),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		quoteIdent(key),
		strings.Join(sets, ", "))

	batch := &pgx.Batch{}
	for _, row := range chunk.Rows {
		values := make([]any, len(columns))
		for i, col := range columns {
			values[i] = row[col]
		}
		batch.Queue(stmt, values...)
	}
	results := c.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunk.Rows {
		if _, err := results.Exec(); err != nil {
			return 0, core.WrapError(core.ErrDataTransfer, err,
				"upsert into %s failed", asset.FullyQualifiedName)
		}
	}
	return int64(chunk.RowCount()), nil
}

func (c *postgresConnector) ExecuteQuery(ctx context.Context, query string) (*core.Chunk, error) {
	stream, err := c.ReadBatch(ctx, &core.Asset{}, ReadParams{Query: query, BatchSize: 10000})
	if err != nil {
		return nil, err
	}
	chunks, err := Drain(ctx, stream)
	if err != nil {
		return nil, err
	}
	merged := &core.Chunk{}
	for _, chunk := range chunks {
		merged.Rows = append(merged.Rows, chunk.Rows...)
	}
	return merged, nil
}

func (c *postgresConnector) DiscoverAssets(ctx context.Context) ([]core.Asset, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name`)
	if err != nil {
		return nil, core.WrapError(core.ErrSchemaDiscovery, err, "table discovery failed")
	}
	defer rows.Close()

	var out []core.Asset
	for rows.Next() {
		var schema, name string
		if err := rows.Scan(&schema, &name); err != nil {
			return nil, core.WrapError(core.ErrSchemaDiscovery, err, "table discovery scan failed")
		}
		out = append(out, core.Asset{FullyQualifiedName: schema + "." + name})
	}
	return out, rows.Err()
}

func (c *postgresConnector) InferSchema(ctx context.Context, asset *core.Asset) (map[string]core.ColumnType, error) {
	schema, table := splitQualified(asset.FullyQualifiedName)
	rows, err := c.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, schema, table)
	if err != nil {
		return nil, core.WrapError(core.ErrSchemaDiscovery, err,
			"schema discovery for %s failed", asset.FullyQualifiedName)
	}
	defer rows.Close()

	out := make(map[string]core.ColumnType)
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, core.WrapError(core.ErrSchemaDiscovery, err, "schema scan failed")
		}
		out[name] = pgTypeToColumn(dataType)
	}
	return out, rows.Err()
}

// AddColumns implements SchemaEvolver.
func (c *postgresConnector) AddColumns(ctx context.Context, asset *core.Asset, columns map[string]core.ColumnType) error {
	for col, typ := range columns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quoteIdent(asset.FullyQualifiedName), quoteIdent(col), columnToPgType(typ))
		if _, err := c.pool.Exec(ctx, stmt); err != nil {
			return core.WrapError(core.ErrSchemaEvolution, err,
				"failed to add column %s to %s", col, asset.FullyQualifiedName)
		}
	}
	return nil
}

func pgTypeToColumn(dataType string) core.ColumnType {
	switch {
	case strings.Contains(dataType, "int"):
		return core.ColumnInteger
	case strings.Contains(dataType, "numeric"), strings.Contains(dataType, "double"),
		strings.Contains(dataType, "real"):
		return core.ColumnFloat
	case dataType == "boolean":
		return core.ColumnBoolean
	case strings.Contains(dataType, "timestamp"), dataType == "date":
		return core.ColumnDatetime
	default:
		return core.ColumnString
	}
}

func columnToPgType(t core.ColumnType) string {
	switch t {
	case core.ColumnInteger:
		return "BIGINT"
	case core.ColumnFloat:
		return "DOUBLE PRECISION"
	case core.ColumnBoolean:
		return "BOOLEAN"
	case core.ColumnDatetime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// quoteIdent quotes a possibly schema-qualified identifier.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func identifierParts(name string) []string {
	return strings.Split(name, ".")
}

func splitQualified(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "public", name
}
