// Package runner defines the model-execution collaborator consumed by the
// node pipeline and the concrete variants selected by configuration.
package runner

import (
	"context"
	"fmt"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// ModelInfo describes one model a runner can serve.
type ModelInfo struct {
	ModelID       string `json:"modelId"`
	ContextWindow int    `json:"contextWindow"`
	MaxTokens     int    `json:"maxTokens"`
}

// Estimate is a runner's cost/latency guess for a request.
type Estimate struct {
	CostEstimate      float64 `json:"costEstimate,omitempty"`
	LatencyEstimateMs int64   `json:"latencyEstimateMs,omitempty"`
}

// HealthStatus is the runner's own liveness report.
type HealthStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Delta is one chunk of a streamed completion.
type Delta struct {
	Delta string `json:"delta"`
}

// Runner is the capability set every model backend implements.
type Runner interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Infer(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error)
	Estimate(ctx context.Context, req protocol.InferenceRequest) (Estimate, error)
	Health(ctx context.Context) HealthStatus
}

// Streamer is the optional streaming extension.
type Streamer interface {
	InferStream(ctx context.Context, req protocol.InferenceRequest) (<-chan Delta, error)
}

// Kinds selectable via the node configuration.
const (
	KindMock            = "mock"
	KindHTTPGeneric     = "http"
	KindOpenAIShaped    = "openai"
	KindAnthropicShaped = "anthropic"
)

// Options carries the backend-specific settings shared by HTTP variants.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
}

// New builds the runner named by kind.
func New(kind string, opts Options) (Runner, error) {
	switch kind {
	case KindMock, "":
		return NewMock(), nil
	case KindHTTPGeneric:
		return newHTTPRunner(shapeGeneric, opts)
	case KindOpenAIShaped:
		return newHTTPRunner(shapeOpenAI, opts)
	case KindAnthropicShaped:
		return newHTTPRunner(shapeAnthropic, opts)
	default:
		return nil, fmt.Errorf("unknown runner kind %q", kind)
	}
}
