// Package executor runs a single pipeline node: it resolves connectors,
// dispatches on operator type, enforces data contracts, and reports
// per-chunk progress back to the caller.
package executor

import (
	"context"
	"sort"
	"strconv"

	"github.com/go-viper/mapstructure/v2"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/logger/tag"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/connector"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/contract"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/operator"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
)

// sampleRowLimit caps how many rows are captured per telemetry direction.
const sampleRowLimit = 5

// Progress receives counter snapshots as the node processes chunks.
type Progress func(counters core.StepCounters)

// EnvironmentChecker answers whether a named runtime environment has been
// provisioned on this host.
type EnvironmentChecker interface {
	Ready(name string) error
}

// Result is the outcome of one successful node execution.
type Result struct {
	Chunks   []*core.Chunk
	Counters core.StepCounters
	Samples  core.SampleData
}

// Executor executes nodes within one run's context.
type Executor struct {
	pipelineID  string
	connections map[string]core.ConnectionBlob
	watermarks  watermark.Store
	forensics   *Forensics
	backfill    *core.BackfillWindow
	envs        EnvironmentChecker
}

// Option configures an Executor.
type Option func(*Executor)

// WithForensics enables best-effort chunk capture.
func WithForensics(f *Forensics) Option {
	return func(e *Executor) { e.forensics = f }
}

// WithBackfill bounds extract reads to a historical window.
func WithBackfill(w *core.BackfillWindow) Option {
	return func(e *Executor) { e.backfill = w }
}

// WithRuntimeEnvs lets transform nodes require provisioned runtime
// environments.
func WithRuntimeEnvs(c EnvironmentChecker) Option {
	return func(e *Executor) { e.envs = c }
}

// New creates an executor for one run.
func New(pipelineID string, connections map[string]core.ConnectionBlob, marks watermark.Store, opts ...Option) *Executor {
	e := &Executor{
		pipelineID:  pipelineID,
		connections: connections,
		watermarks:  marks,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteNode runs one node over its upstream outputs. Inputs are keyed by
// upstream node id; the map is empty for source nodes.
func (e *Executor) ExecuteNode(ctx context.Context, runID string, node *core.Node, inputs map[string][]*core.Chunk, progress Progress) (*Result, error) {
	if progress == nil {
		progress = func(core.StepCounters) {}
	}

	switch node.OperatorType {
	case core.OperatorExtract:
		return e.runExtract(ctx, runID, node, progress)
	case core.OperatorLoad:
		return e.runLoad(ctx, runID, node, inputs, progress)
	case core.OperatorTransform, core.OperatorValidate, core.OperatorNoop:
		return e.runTransform(ctx, runID, node, inputs, progress)
	case core.OperatorUnion, core.OperatorMerge, core.OperatorJoin:
		return e.runCombine(ctx, runID, node, inputs, progress)
	default:
		return nil, core.NewError(core.ErrConfiguration,
			"node %s has unknown operator type %q", node.ID, node.OperatorType)
	}
}

// --- extract ---

func (e *Executor) runExtract(ctx context.Context, runID string, node *core.Node, progress Progress) (*Result, error) {
	asset, conn, err := e.openConnector(ctx, node, "source_asset")
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	wmColumn := node.WatermarkColumn()
	if wmColumn == "" {
		wmColumn = asset.WatermarkColumn()
	}

	params := connector.ReadParams{Backfill: e.backfill}
	var current any
	if node.SyncMode == core.SyncIncremental && wmColumn != "" {
		mark, err := e.watermarks.Get(ctx, e.pipelineID, asset.ID)
		if err != nil {
			return nil, err
		}
		if mark != nil && mark.Column == wmColumn {
			current = mark.LastValue
			params.WatermarkColumn = wmColumn
			params.WatermarkValue = mark.LastValue
		}
	}

	stream, err := conn.ReadBatch(ctx, asset, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &Result{Samples: core.SampleData{}}
	var maxSeen any
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			break
		}
		if wmColumn != "" {
			chunk, maxSeen, err = filterAndTrack(chunk, wmColumn, current, maxSeen)
			if err != nil {
				return nil, err
			}
		}
		if chunk.RowCount() == 0 {
			continue
		}
		result.Chunks = append(result.Chunks, chunk)
		result.Counters.RecordsOut += int64(chunk.RowCount())
		result.Counters.BytesProcessed += chunk.EstimatedBytes()
		sample(result.Samples, "out", chunk)
		e.capture(runID, node.ID, "out", chunk)
		progress(result.Counters)
	}

	if node.SyncMode == core.SyncIncremental && wmColumn != "" && maxSeen != nil {
		moved, err := e.watermarks.Advance(ctx, e.pipelineID, asset.ID, wmColumn, maxSeen)
		if err != nil {
			return nil, err
		}
		if moved {
			logger.Info(ctx, "Watermark advanced",
				tag.Pipeline(e.pipelineID), tag.Node(node.ID), tag.String("column", wmColumn))
		}
	}
	return result, nil
}

// filterAndTrack drops rows at or below the current watermark and tracks the
// maximum value seen for the post-run advance.
func filterAndTrack(chunk *core.Chunk, column string, current, maxSeen any) (*core.Chunk, any, error) {
	out := &core.Chunk{Rows: make([]core.Row, 0, len(chunk.Rows))}
	for _, row := range chunk.Rows {
		value, ok := row[column]
		if !ok || value == nil {
			out.Rows = append(out.Rows, row)
			continue
		}
		normalized, err := watermark.Normalize(value)
		if err != nil {
			return nil, nil, err
		}
		if current != nil {
			cmp, err := watermark.Compare(normalized, current)
			if err != nil {
				return nil, nil, err
			}
			if cmp <= 0 {
				continue
			}
		}
		out.Rows = append(out.Rows, row)
		if maxSeen == nil {
			maxSeen = normalized
		} else if cmp, err := watermark.Compare(normalized, maxSeen); err == nil && cmp > 0 {
			maxSeen = normalized
		}
	}
	return out, maxSeen, nil
}

// --- load ---

func (e *Executor) runLoad(ctx context.Context, runID string, node *core.Node, inputs map[string][]*core.Chunk, progress Progress) (*Result, error) {
	asset, conn, err := e.openConnector(ctx, node, "destination_asset")
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	chunks := concatInputs(inputs)
	result := &Result{Samples: core.SampleData{}}
	for _, chunk := range chunks {
		result.Counters.RecordsIn += int64(chunk.RowCount())
		result.Counters.BytesProcessed += chunk.EstimatedBytes()
		sample(result.Samples, "in", chunk)
		e.capture(runID, node.ID, "in", chunk)
	}

	chunks, err = e.applySchemaPolicy(ctx, node, asset, conn, chunks)
	if err != nil {
		return nil, err
	}

	written, err := conn.WriteBatch(ctx, asset, node.WriteStrategy, connector.NewSliceStream(chunks))
	if err != nil {
		return nil, err
	}
	result.Counters.RecordsOut = written
	progress(result.Counters)
	logger.Info(ctx, "Load finished", tag.Node(node.ID), tag.Records(written))
	return result, nil
}

// applySchemaPolicy reconciles incoming columns with the destination schema
// according to the node's schema_evolution_policy.
func (e *Executor) applySchemaPolicy(ctx context.Context, node *core.Node, asset *core.Asset, conn connector.Connector, chunks []*core.Chunk) ([]*core.Chunk, error) {
	policy := node.SchemaEvolution
	if policy == "" || len(chunks) == 0 {
		return chunks, nil
	}

	destSchema, err := conn.InferSchema(ctx, asset)
	if err != nil {
		return nil, err
	}
	if len(destSchema) == 0 {
		// Destination has no declared schema; nothing to reconcile.
		return chunks, nil
	}

	unknown := make(map[string]core.ColumnType)
	for _, chunk := range chunks {
		for _, col := range chunk.Columns() {
			if _, ok := destSchema[col]; !ok {
				unknown[col] = core.ColumnString
			}
		}
	}
	if len(unknown) == 0 {
		return chunks, nil
	}

	switch policy {
	case core.SchemaStrict:
		return nil, core.NewError(core.ErrSchemaEvolution,
			"destination %s is missing columns %v and policy is strict",
			asset.FullyQualifiedName, columnNames(unknown))
	case core.SchemaEvolve:
		evolver, ok := conn.(connector.SchemaEvolver)
		if !ok {
			return nil, core.NewError(core.ErrSchemaEvolution,
				"destination %s cannot evolve its schema", asset.FullyQualifiedName)
		}
		if err := evolver.AddColumns(ctx, asset, unknown); err != nil {
			return nil, err
		}
		return chunks, nil
	case core.SchemaIgnore:
		return dropColumns(chunks, unknown), nil
	default:
		return nil, core.NewError(core.ErrConfiguration,
			"node %s has unknown schema evolution policy %q", node.ID, policy)
	}
}

func columnNames(cols map[string]core.ColumnType) []string {
	out := make([]string, 0, len(cols))
	for c := range cols {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func dropColumns(chunks []*core.Chunk, drop map[string]core.ColumnType) []*core.Chunk {
	out := make([]*core.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		next := &core.Chunk{Rows: make([]core.Row, 0, len(chunk.Rows))}
		for _, row := range chunk.Rows {
			copied := make(core.Row, len(row))
			for col, v := range row {
				if _, skip := drop[col]; !skip {
					copied[col] = v
				}
			}
			next.Rows = append(next.Rows, copied)
		}
		out = append(out, next)
	}
	return out
}

// --- transform / validate / noop ---

func (e *Executor) runTransform(ctx context.Context, runID string, node *core.Node, inputs map[string][]*core.Chunk, progress Progress) (*Result, error) {
	if err := e.preflight(node); err != nil {
		return nil, err
	}
	op, err := operator.New(node)
	if err != nil {
		return nil, err
	}

	var validator *contract.Validator
	if node.DataContract != nil {
		validator, err = contract.NewValidator(node.DataContract)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Samples: core.SampleData{}}
	var quarantined []*core.Chunk
	for _, chunk := range concatInputs(inputs) {
		result.Counters.RecordsIn += int64(chunk.RowCount())
		result.Counters.BytesProcessed += chunk.EstimatedBytes()
		sample(result.Samples, "in", chunk)
		e.capture(runID, node.ID, "in", chunk)

		out, err := op.Apply(ctx, chunk)
		if err != nil {
			return nil, err
		}
		result.Counters.RecordsFiltered += int64(chunk.RowCount() - out.RowCount())

		if validator != nil {
			valid, bad := validator.Validate(out)
			if bad.RowCount() > 0 {
				result.Counters.RecordsError += int64(bad.RowCount())
				sample(result.Samples, "quarantine", bad)
				e.capture(runID, node.ID, "quarantine", bad)
				quarantined = append(quarantined, bad)
			}
			out = valid
		}
		if out.RowCount() > 0 {
			result.Chunks = append(result.Chunks, out)
			result.Counters.RecordsOut += int64(out.RowCount())
			sample(result.Samples, "out", out)
			e.capture(runID, node.ID, "out", out)
		}
		progress(result.Counters)
	}

	if len(quarantined) > 0 {
		if err := e.writeQuarantine(ctx, node, quarantined); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// preflight checks that the runtime environment a node declares is
// provisioned before any rows flow. A missing environment fails fast with a
// configuration error.
func (e *Executor) preflight(node *core.Node) error {
	env := configString(node, "runtime_env")
	if env == "" {
		return nil
	}
	if e.envs == nil {
		return core.NewError(core.ErrConfiguration,
			"node %s requires runtime environment %q but none are available", node.ID, env)
	}
	return e.envs.Ready(env)
}

// writeQuarantine routes quarantined rows to the node's quarantine asset
// when one is configured; otherwise the rows are dropped after counting.
func (e *Executor) writeQuarantine(ctx context.Context, node *core.Node, chunks []*core.Chunk) error {
	if node.QuarantineAssetID == "" {
		return nil
	}
	asset, conn, err := e.openConnector(ctx, node, "quarantine_asset")
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.WriteBatch(ctx, asset, core.WriteAppend, connector.NewSliceStream(chunks)); err != nil {
		return err
	}
	logger.Warn(ctx, "Rows quarantined", tag.Node(node.ID),
		tag.Records(int64(core.TotalRows(chunks))))
	return nil
}

// --- union / merge / join ---

func (e *Executor) runCombine(ctx context.Context, runID string, node *core.Node, inputs map[string][]*core.Chunk, progress Progress) (*Result, error) {
	result := &Result{Samples: core.SampleData{}}
	ordered := orderedInputIDs(inputs)
	for _, id := range ordered {
		for _, chunk := range inputs[id] {
			result.Counters.RecordsIn += int64(chunk.RowCount())
			result.Counters.BytesProcessed += chunk.EstimatedBytes()
			sample(result.Samples, "in", chunk)
		}
	}

	var out *core.Chunk
	var err error
	switch node.OperatorType {
	case core.OperatorUnion:
		out = unionRows(ordered, inputs)
	case core.OperatorMerge:
		out, err = mergeRows(node, ordered, inputs)
	case core.OperatorJoin:
		out, err = joinRows(node, ordered, inputs)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, core.WrapError(core.ErrCancelled, err, "combine cancelled")
	}

	if out.RowCount() > 0 {
		result.Chunks = []*core.Chunk{out}
		result.Counters.RecordsOut = int64(out.RowCount())
		sample(result.Samples, "out", out)
		e.capture(runID, node.ID, "out", out)
	}
	progress(result.Counters)
	return result, nil
}

func unionRows(ordered []string, inputs map[string][]*core.Chunk) *core.Chunk {
	out := &core.Chunk{}
	for _, id := range ordered {
		for _, chunk := range inputs[id] {
			out.Rows = append(out.Rows, chunk.Rows...)
		}
	}
	return out
}

// mergeRows unions inputs then deduplicates on the configured merge_key;
// the last occurrence wins.
func mergeRows(node *core.Node, ordered []string, inputs map[string][]*core.Chunk) (*core.Chunk, error) {
	key := configString(node, "merge_key")
	if key == "" {
		return nil, core.NewError(core.ErrConfiguration,
			"merge node %s requires a merge_key", node.ID)
	}
	all := unionRows(ordered, inputs)
	index := make(map[string]int)
	out := &core.Chunk{}
	for _, row := range all.Rows {
		k := stringify(row[key])
		if i, ok := index[k]; ok {
			out.Rows[i] = row
			continue
		}
		index[k] = len(out.Rows)
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// joinRows hash-joins exactly two inputs on the configured join_key. Left
// side is the first upstream in id order.
func joinRows(node *core.Node, ordered []string, inputs map[string][]*core.Chunk) (*core.Chunk, error) {
	key := configString(node, "join_key")
	if key == "" {
		return nil, core.NewError(core.ErrConfiguration,
			"join node %s requires a join_key", node.ID)
	}
	if len(ordered) != 2 {
		return nil, core.NewError(core.ErrConfiguration,
			"join node %s requires exactly two inputs, got %d", node.ID, len(ordered))
	}

	right := make(map[string][]core.Row)
	for _, chunk := range inputs[ordered[1]] {
		for _, row := range chunk.Rows {
			k := stringify(row[key])
			right[k] = append(right[k], row)
		}
	}

	out := &core.Chunk{}
	for _, chunk := range inputs[ordered[0]] {
		for _, left := range chunk.Rows {
			for _, match := range right[stringify(left[key])] {
				joined := make(core.Row, len(left)+len(match))
				for col, v := range match {
					joined[col] = v
				}
				for col, v := range left {
					joined[col] = v
				}
				out.Rows = append(out.Rows, joined)
			}
		}
	}
	return out, nil
}

// --- helpers ---

// openConnector resolves the asset under the given config key and opens its
// connector session.
func (e *Executor) openConnector(ctx context.Context, node *core.Node, assetKey string) (*core.Asset, connector.Connector, error) {
	asset, err := assetFromConfig(node, assetKey)
	if err != nil {
		return nil, nil, err
	}
	blob, ok := e.connections[asset.ConnectionID]
	if !ok {
		return nil, nil, core.NewError(core.ErrConfiguration,
			"node %s references unresolved connection %q", node.ID, asset.ConnectionID)
	}
	conn, err := connector.New(&blob)
	if err != nil {
		return nil, nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, nil, err
	}
	return asset, conn, nil
}

// assetFromConfig decodes an embedded asset definition from the node config.
func assetFromConfig(node *core.Node, key string) (*core.Asset, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, core.NewError(core.ErrConfiguration,
			"node %s has no %s in config", node.ID, key)
	}
	var asset core.Asset
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &asset,
		TagName: "json",
	})
	if err != nil {
		return nil, core.WrapError(core.ErrInternal, err, "asset decoder setup failed")
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, core.WrapError(core.ErrConfiguration, err,
			"node %s has invalid %s", node.ID, key)
	}
	if asset.FullyQualifiedName == "" {
		return nil, core.NewError(core.ErrConfiguration,
			"node %s asset %s has no fully qualified name", node.ID, key)
	}
	return &asset, nil
}

// concatInputs flattens the inputs map in upstream-id order.
func concatInputs(inputs map[string][]*core.Chunk) []*core.Chunk {
	var out []*core.Chunk
	for _, id := range orderedInputIDs(inputs) {
		out = append(out, inputs[id]...)
	}
	return out
}

func orderedInputIDs(inputs map[string][]*core.Chunk) []string {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// sample records the first rows seen for a direction.
func sample(samples core.SampleData, direction string, chunk *core.Chunk) {
	existing := samples[direction]
	if len(existing) >= sampleRowLimit {
		return
	}
	for _, row := range chunk.Rows {
		if len(existing) >= sampleRowLimit {
			break
		}
		existing = append(existing, row)
	}
	samples[direction] = existing
}

func (e *Executor) capture(runID, nodeID, direction string, chunk *core.Chunk) {
	if e.forensics != nil {
		e.forensics.Capture(runID, nodeID, direction, chunk)
	}
}

func configString(node *core.Node, key string) string {
	if node.Config == nil {
		return ""
	}
	if v, ok := node.Config[key].(string); ok {
		return v
	}
	return ""
}

func stringify(v any) string {
	normalized, err := watermark.Normalize(v)
	if err != nil {
		return "" // non-scalar keys collapse into one bucket
	}
	switch n := normalized.(type) {
	case string:
		return n
	default:
		return stringifyFloat(n)
	}
}

func stringifyFloat(v any) string {
	f, _ := v.(float64)
	return strconv.FormatFloat(f, 'g', -1, 64)
}
