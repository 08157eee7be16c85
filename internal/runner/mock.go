package runner

import (
	"context"
	"strings"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// Mock is the deterministic in-process runner used for tests and bring-up.
// It echoes a bounded completion and counts tokens as bytes over four.
type Mock struct {
	// Delay simulates inference wall time; zero means instant.
	Delay time.Duration
	// Output overrides the echoed completion when non-empty.
	Output string
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) ListModels(context.Context) ([]ModelInfo, error) {
	return []ModelInfo{{ModelID: "mock", ContextWindow: 8192, MaxTokens: 4096}}, nil
}

func (m *Mock) Infer(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return protocol.InferenceResponse{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	out := m.Output
	if out == "" {
		out = "echo: " + req.Prompt
	}
	outTokens := tokenCount(out)
	if req.MaxTokens > 0 && outTokens > req.MaxTokens {
		outTokens = req.MaxTokens
	}
	return protocol.InferenceResponse{
		RequestID: req.RequestID,
		ModelID:   req.ModelID,
		Output:    out,
		Usage: protocol.Usage{
			InputTokens:  tokenCount(req.Prompt),
			OutputTokens: outTokens,
		},
	}, nil
}

func (m *Mock) Estimate(_ context.Context, req protocol.InferenceRequest) (Estimate, error) {
	return Estimate{LatencyEstimateMs: m.Delay.Milliseconds()}, nil
}

func (m *Mock) Health(context.Context) HealthStatus {
	return HealthStatus{OK: true}
}

// InferStream satisfies Streamer by chunking the completion on spaces.
func (m *Mock) InferStream(ctx context.Context, req protocol.InferenceRequest) (<-chan Delta, error) {
	resp, err := m.Infer(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan Delta)
	go func() {
		defer close(ch)
		for _, word := range strings.SplitAfter(resp.Output, " ") {
			select {
			case <-ctx.Done():
				return
			case ch <- Delta{Delta: word}:
			}
		}
	}()
	return ch, nil
}

func tokenCount(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
