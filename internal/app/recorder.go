package app

import (
	"context"

	"github.com/google/uuid"

	"github.com/latticeai/gateway/internal/analytics"
	"github.com/latticeai/gateway/internal/logger"
)

// mirrorRecorder fans every usage record into the analytics tracker and
// the non-blocking request logger, so the hot path pays one channel send
// for request logging regardless of the tracker backend.
type mirrorRecorder struct {
	tracker analytics.Recorder
	reqLog  *logger.Logger
}

func (m mirrorRecorder) LogUsage(ctx context.Context, rec analytics.UsageRecord) {
	m.tracker.LogUsage(ctx, rec)

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		id = uuid.New()
	}
	status := uint16(200)
	if !rec.Success {
		status = 502
	}
	m.reqLog.Log(logger.RequestLog{
		ID:           id,
		Provider:     providerOf(rec.ActualModel),
		Model:        rec.ActualModel,
		InputTokens:  uint32(rec.InputTokens),
		OutputTokens: uint32(rec.OutputTokens),
		LatencyMs:    clampLatency(rec.LatencyMS),
		Status:       status,
		Cached:       rec.CacheHit,
		CreatedAt:    rec.TS,
	})
}

func clampLatency(ms int64) uint16 {
	if ms < 0 {
		return 0
	}
	if ms > 65535 {
		return 65535
	}
	return uint16(ms)
}

func providerOf(modelID string) string {
	for i := 0; i < len(modelID); i++ {
		if modelID[i] == '/' {
			return modelID[:i]
		}
	}
	return modelID
}
