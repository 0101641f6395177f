// Package worker is the agent runtime: it authenticates against the
// dispatcher, polls for work, executes leased pipeline jobs through the
// engine, handles ephemeral tasks, and ships throttled step telemetry back.
package worker

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/cmn/config"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
)

// Client talks the agent protocol over HTTP/JSON. Every request carries the
// credential headers; the server answers 401 for unknown clients and 403 for
// a bad key.
type Client struct {
	http *resty.Client
}

// NewClient builds the API client from agent settings.
func NewClient(cfg config.Agent) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.APIURL).
		SetHeader(core.HeaderClientID, cfg.ClientID).
		SetHeader(core.HeaderAPIKey, cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.PollTimeout + 30*time.Second)
	return &Client{http: httpClient}
}

// VerifyConfig fetches the agent's registered identity, proving the
// credentials before the poll loop starts.
func (c *Client) VerifyConfig(ctx context.Context) (*core.Agent, error) {
	var agent core.Agent
	resp, err := c.http.R().SetContext(ctx).SetResult(&agent).
		Get("/api/v1/agents/config")
	if err != nil {
		return nil, core.WrapError(core.ErrConnectionFail, err, "config fetch failed")
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return &agent, nil
}

type pollRequest struct {
	Queues []string `json:"queues,omitempty"`
}

// Poll long-polls for work. Returns core.ErrNoJob when the server answered
// 204 after holding the request.
func (c *Client) Poll(ctx context.Context, queues []string) (*core.PollResponse, error) {
	var poll core.PollResponse
	resp, err := c.http.R().SetContext(ctx).
		SetBody(pollRequest{Queues: queues}).
		SetResult(&poll).
		Post("/api/v1/agents/poll")
	if err != nil {
		return nil, core.WrapError(core.ErrConnectionFail, err, "poll failed")
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, core.ErrNoJob
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return &poll, nil
}

// Heartbeat reports liveness and refreshes job leases. The response carries
// control signals, currently pending cancellation requests.
func (c *Client) Heartbeat(ctx context.Context, hb *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	var out core.HeartbeatResponse
	resp, err := c.http.R().SetContext(ctx).SetBody(hb).
		SetResult(&out).
		Post("/api/v1/agents/heartbeat")
	if err != nil {
		return nil, core.WrapError(core.ErrConnectionFail, err, "heartbeat failed")
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportJob delivers the terminal status of a pipeline job.
func (c *Client) ReportJob(ctx context.Context, jobID string, report *core.JobStatusReport) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(report).
		Post("/api/v1/agents/jobs/" + url.PathEscape(jobID) + "/status")
	if err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "job report failed")
	}
	return classify(resp)
}

// ReportEphemeral delivers the single terminal result of an ephemeral job.
func (c *Client) ReportEphemeral(ctx context.Context, id string, result *core.EphemeralResult) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(result).
		Post("/api/v1/agents/jobs/ephemeral/" + url.PathEscape(id) + "/status")
	if err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "ephemeral report failed")
	}
	return classify(resp)
}

// SendSteps ships a telemetry batch for one leased job.
func (c *Client) SendSteps(ctx context.Context, jobID string, updates []core.StepUpdate) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(updates).
		Post("/api/v1/agents/jobs/" + url.PathEscape(jobID) + "/steps")
	if err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "telemetry send failed")
	}
	return classify(resp)
}

// SendLogs ships agent-side log records for one leased job.
func (c *Client) SendLogs(ctx context.Context, jobID string, records []core.LogRecord) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(records).
		Post("/api/v1/agents/jobs/" + url.PathEscape(jobID) + "/logs")
	if err != nil {
		return core.WrapError(core.ErrConnectionFail, err, "log send failed")
	}
	return classify(resp)
}

// GetWatermark fetches the incremental cursor for a (pipeline, asset) key.
// Returns nil when none is recorded.
func (c *Client) GetWatermark(ctx context.Context, pipelineID, assetID string) (*core.Watermark, error) {
	var mark core.Watermark
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("pipeline_id", pipelineID).
		SetQueryParam("asset_id", assetID).
		SetResult(&mark).
		Get("/api/v1/agents/watermarks")
	if err != nil {
		return nil, core.WrapError(core.ErrConnectionFail, err, "watermark fetch failed")
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if err := classify(resp); err != nil {
		return nil, err
	}
	return &mark, nil
}

type watermarkAdvance struct {
	PipelineID string `json:"pipeline_id"`
	AssetID    string `json:"asset_id"`
	Column     string `json:"column"`
	Value      any    `json:"value"`
}

type watermarkAdvanced struct {
	Advanced bool `json:"advanced"`
}

// AdvanceWatermark asks the dispatcher to move the cursor, reporting whether
// the value actually advanced it.
func (c *Client) AdvanceWatermark(ctx context.Context, pipelineID, assetID, column string, value any) (bool, error) {
	var out watermarkAdvanced
	resp, err := c.http.R().SetContext(ctx).
		SetBody(watermarkAdvance{PipelineID: pipelineID, AssetID: assetID, Column: column, Value: value}).
		SetResult(&out).
		Post("/api/v1/agents/watermarks")
	if err != nil {
		return false, core.WrapError(core.ErrConnectionFail, err, "watermark advance failed")
	}
	if err := classify(resp); err != nil {
		return false, err
	}
	return out.Advanced, nil
}

// classify maps HTTP status codes onto the core error kinds: credential
// rejections are authentication errors, server trouble is a connection
// failure the loop backs off on.
func classify(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return core.NewError(core.ErrAuthentication,
			"credentials rejected (%d): %s", code, resp.String())
	case code >= 500:
		return core.NewError(core.ErrConnectionFail,
			"server error (%d): %s", code, resp.String())
	default:
		return core.NewError(core.ErrInternal,
			"unexpected status %d: %s", code, resp.String())
	}
}

// IsAuthError reports whether the error means the agent's credentials were
// rejected and polling should stop.
func IsAuthError(err error) bool {
	return core.KindOf(err) == core.ErrAuthentication
}
