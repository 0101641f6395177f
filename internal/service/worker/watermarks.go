package worker

import (
	"context"

	"github.com/Abhishekkumar2021/SynqX-sub000/internal/core"
	"github.com/Abhishekkumar2021/SynqX-sub000/internal/engine/watermark"
)

// remoteWatermarks adapts the dispatcher's watermark endpoints to the
// engine's store interface, so incremental cursors stay central while
// extraction happens on the agent.
type remoteWatermarks struct {
	client *Client
}

var _ watermark.Store = (*remoteWatermarks)(nil)

func (r *remoteWatermarks) Get(ctx context.Context, pipelineID, assetID string) (*core.Watermark, error) {
	return r.client.GetWatermark(ctx, pipelineID, assetID)
}

func (r *remoteWatermarks) Advance(ctx context.Context, pipelineID, assetID, column string, value any) (bool, error) {
	normalized, err := watermark.Normalize(value)
	if err != nil {
		return false, err
	}
	return r.client.AdvanceWatermark(ctx, pipelineID, assetID, column, normalized)
}
