package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imattau/fed-AI-sub000/internal/envelope"
	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

type runnerResult struct {
	resp protocol.InferenceResponse
	err  error
}

// execute races the runner against the configured wall-clock bound, then
// signs the response and metering envelopes.
func (s *Server) execute(c *gin.Context, start time.Time, req protocol.InferenceRequest) {
	ctx := c.Request.Context()
	var cancel context.CancelFunc
	if s.cfg.MaxInferenceMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.MaxInferenceMs)*time.Millisecond)
		defer cancel()
	}

	resultCh := make(chan runnerResult, 1)
	go func() {
		resp, err := s.run.Infer(ctx, req)
		resultCh <- runnerResult{resp: resp, err: err}
	}()

	var res runnerResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		s.fail(c, start, http.StatusGatewayTimeout, protocol.ErrRunnerTimeout)
		return
	}
	if res.err != nil {
		if ctx.Err() != nil {
			s.fail(c, start, http.StatusGatewayTimeout, protocol.ErrRunnerTimeout)
			return
		}
		s.log.Error("runner failed", zap.String("requestId", req.RequestID), zap.Error(res.err))
		s.fail(c, start, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}

	wall := time.Since(start)
	resp := res.resp
	resp.RequestID = req.RequestID
	if resp.LatencyMs == 0 {
		resp.LatencyMs = wall.Milliseconds()
	}

	promptHash := sha256.Sum256([]byte(req.Prompt))
	metering := protocol.MeteringRecord{
		RequestID:    req.RequestID,
		NodeID:       s.cfg.NodeID,
		ModelID:      req.ModelID,
		PromptHash:   hex.EncodeToString(promptHash[:]),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		WallTimeMs:   wall.Milliseconds(),
		BytesIn:      len(req.Prompt),
		BytesOut:     len(resp.Output),
		Ts:           time.Now().UnixMilli(),
	}

	respEnv, err := envelope.BuildSigned(resp, s.key)
	if err != nil {
		s.fail(c, start, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}
	meterEnv, err := envelope.BuildSigned(metering, s.key)
	if err != nil {
		s.fail(c, start, http.StatusInternalServerError, protocol.ErrInternal)
		return
	}

	s.m.Requests.WithLabelValues("/infer", "ok").Inc()
	s.m.Latency.WithLabelValues("/infer", "ok").Observe(wall.Seconds())
	c.JSON(http.StatusOK, gin.H{"response": respEnv, "metering": meterEnv})
}
