package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/connector"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// resultSampleLimit caps the rows shipped back from an explorer query.
const resultSampleLimit = 100

// Ephemeral executes short interactive tasks on the agent: ad hoc queries,
// metadata discovery, connection tests, sandboxed file operations, runtime
// environment setup, and system inspection.
type Ephemeral struct {
	sandboxDir string
	envs       *RuntimeEnvs
}

// NewEphemeral creates the handler with the agent's sandbox root and runtime
// environment manager; envs may be nil when environments are not configured.
func NewEphemeral(sandboxDir string, envs *RuntimeEnvs) *Ephemeral {
	return &Ephemeral{sandboxDir: sandboxDir, envs: envs}
}

// Handle runs one task and always returns a terminal result; failures are
// reported inside the result, never as a Go error.
func (e *Ephemeral) Handle(ctx context.Context, task *core.EphemeralPayload) *core.EphemeralResult {
	started := time.Now()
	result, err := e.dispatch(ctx, task)
	if err != nil {
		result = &core.EphemeralResult{
			Status:       core.JobFailed,
			ErrorMessage: err.Error(),
		}
	} else {
		result.Status = core.JobSuccess
	}
	result.ExecutionTimeMS = time.Since(started).Milliseconds()
	return result
}

func (e *Ephemeral) dispatch(ctx context.Context, task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	switch task.Type {
	case core.EphemeralExplorer:
		return e.explore(ctx, task)
	case core.EphemeralMetadata:
		return e.metadata(ctx, task)
	case core.EphemeralTest:
		return e.test(ctx, task)
	case core.EphemeralFile:
		return e.file(task)
	case core.EphemeralRuntimeOp:
		return e.runtime(task)
	case core.EphemeralSystem:
		return e.system(ctx)
	default:
		return nil, core.NewError(core.ErrValidation,
			"unknown ephemeral job type %q", task.Type)
	}
}

// explore runs an ad hoc query against the task's connection.
func (e *Ephemeral) explore(ctx context.Context, task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	query, _ := task.Payload["query"].(string)
	if query == "" {
		return nil, core.NewError(core.ErrValidation, "explorer task has no query")
	}
	conn, err := e.open(ctx, task)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	chunk, err := conn.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	sample := chunk.Rows
	if len(sample) > resultSampleLimit {
		sample = sample[:resultSampleLimit]
	}
	return &core.EphemeralResult{
		ResultSummary: fmt.Sprintf("%d rows", chunk.RowCount()),
		ResultSample:  sample,
	}, nil
}

// metadata discovers the assets exposed by the connection.
func (e *Ephemeral) metadata(ctx context.Context, task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	conn, err := e.open(ctx, task)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	assets, err := conn.DiscoverAssets(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]core.Row, 0, len(assets))
	for _, a := range assets {
		rows = append(rows, core.Row{
			"fully_qualified_name":   a.FullyQualifiedName,
			"is_incremental_capable": a.IsIncrementalCapable,
		})
	}
	return &core.EphemeralResult{
		ResultSummary: fmt.Sprintf("%d assets", len(assets)),
		ResultSample:  rows,
	}, nil
}

func (e *Ephemeral) test(ctx context.Context, task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	conn, err := e.open(ctx, task)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	if err := conn.TestConnection(ctx); err != nil {
		return nil, err
	}
	return &core.EphemeralResult{ResultSummary: "connection ok"}, nil
}

// file performs a sandboxed filesystem operation. Paths are confined to the
// sandbox root; escapes are a sandbox violation.
func (e *Ephemeral) file(task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	op, _ := task.Payload["operation"].(string)
	rel, _ := task.Payload["path"].(string)
	path, err := e.sandboxed(rel)
	if err != nil {
		return nil, err
	}

	switch op {
	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, core.WrapError(core.ErrInternal, err, "list %s", rel)
		}
		rows := make([]core.Row, 0, len(entries))
		for _, entry := range entries {
			rows = append(rows, core.Row{"name": entry.Name(), "dir": entry.IsDir()})
		}
		return &core.EphemeralResult{
			ResultSummary: fmt.Sprintf("%d entries", len(rows)),
			ResultSample:  rows,
		}, nil
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, core.WrapError(core.ErrInternal, err, "read %s", rel)
		}
		return &core.EphemeralResult{
			ResultSummary: fmt.Sprintf("%d bytes", len(data)),
			ResultSample:  []core.Row{{"content": string(data)}},
		}, nil
	case "write":
		content, _ := task.Payload["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, core.WrapError(core.ErrInternal, err, "write %s", rel)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, core.WrapError(core.ErrInternal, err, "write %s", rel)
		}
		return &core.EphemeralResult{
			ResultSummary: fmt.Sprintf("wrote %d bytes", len(content)),
		}, nil
	case "delete":
		if err := os.Remove(path); err != nil {
			return nil, core.WrapError(core.ErrInternal, err, "delete %s", rel)
		}
		return &core.EphemeralResult{ResultSummary: "deleted"}, nil
	default:
		return nil, core.NewError(core.ErrValidation, "unknown file operation %q", op)
	}
}

// runtime provisions a named runtime environment on this agent.
func (e *Ephemeral) runtime(task *core.EphemeralPayload) (*core.EphemeralResult, error) {
	if e.envs == nil {
		return nil, core.NewError(core.ErrConfiguration, "runtime environments are not configured")
	}
	name, _ := task.Payload["name"].(string)
	packages := stringList(task.Payload["packages"])
	if err := e.envs.Setup(name, packages); err != nil {
		return nil, err
	}
	return &core.EphemeralResult{
		ResultSummary: fmt.Sprintf("environment %s ready (%d packages)", name, len(packages)),
	}, nil
}

// sandboxed resolves a task-supplied path inside the sandbox root, rejecting
// absolute paths, traversal escapes, and symlinks pointing outside the root.
func (e *Ephemeral) sandboxed(rel string) (string, error) {
	if e.sandboxDir == "" {
		return "", core.NewError(core.ErrSandbox, "no sandbox directory configured")
	}
	if rel == "" || filepath.IsAbs(rel) {
		return "", core.NewError(core.ErrSandbox, "path %q is not sandbox-relative", rel)
	}
	root, err := filepath.Abs(e.sandboxDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", core.WrapError(core.ErrSandbox, err, "cannot prepare sandbox root")
	}
	root, err = filepath.EvalSymlinks(root)
	if err != nil {
		return "", core.WrapError(core.ErrSandbox, err, "cannot resolve sandbox root")
	}
	resolved, err := canonicalize(filepath.Clean(filepath.Join(root, rel)))
	if err != nil {
		return "", err
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", core.NewError(core.ErrSandbox, "path %q escapes the sandbox", rel)
	}
	return resolved, nil
}

// canonicalize resolves symlinks in a path that may not fully exist yet: it
// walks up to the deepest existing ancestor, resolves that, and re-joins the
// missing remainder.
func canonicalize(path string) (string, error) {
	remainder := ""
	for current := path; ; {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(real, remainder)), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", core.WrapError(core.ErrSandbox, err, "cannot resolve %q", path)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(filepath.Join(current, remainder)), nil
		}
		current = parent
	}
}

// system snapshots the host the agent runs on.
func (e *Ephemeral) system(ctx context.Context) (*core.EphemeralResult, error) {
	info := core.Row{
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"runtime": runtime.Version(),
	}
	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["platform"] = hostInfo.Platform
		info["uptime_seconds"] = hostInfo.Uptime
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		info["cpu_usage"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_usage"] = vm.UsedPercent
	}
	return &core.EphemeralResult{
		ResultSummary: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		ResultSample:  []core.Row{info},
	}, nil
}

func (e *Ephemeral) open(ctx context.Context, task *core.EphemeralPayload) (connector.Connector, error) {
	if task.Connection == nil {
		return nil, core.NewError(core.ErrValidation,
			"%s task has no connection", task.Type)
	}
	conn, err := connector.New(task.Connection)
	if err != nil {
		return nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
