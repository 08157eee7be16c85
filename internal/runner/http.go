package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

type shape int

const (
	shapeGeneric shape = iota
	shapeOpenAI
	shapeAnthropic
)

// httpRunner adapts an HTTP completion API to the Runner contract. The three
// shapes differ only in path, auth header, and body mapping.
type httpRunner struct {
	shape   shape
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func newHTTPRunner(s shape, opts Options) (*httpRunner, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("http runner requires a base URL")
	}
	return &httpRunner{
		shape:   s,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		client:  &http.Client{Timeout: 120 * time.Second},
	}, nil
}

func (r *httpRunner) ListModels(ctx context.Context) ([]ModelInfo, error) {
	model := r.model
	if model == "" {
		model = "default"
	}
	return []ModelInfo{{ModelID: model, ContextWindow: 32768, MaxTokens: 8192}}, nil
}

func (r *httpRunner) Estimate(_ context.Context, req protocol.InferenceRequest) (Estimate, error) {
	return Estimate{}, nil
}

func (r *httpRunner) Health(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/", nil)
	if err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	resp.Body.Close() //nolint:errcheck
	return HealthStatus{OK: resp.StatusCode < 500}
}

func (r *httpRunner) Infer(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error) {
	model := req.ModelID
	if r.model != "" {
		model = r.model
	}

	var path string
	var body interface{}
	switch r.shape {
	case shapeOpenAI:
		path = "/v1/chat/completions"
		body = map[string]interface{}{
			"model":      model,
			"messages":   []map[string]string{{"role": "user", "content": req.Prompt}},
			"max_tokens": req.MaxTokens,
		}
	case shapeAnthropic:
		path = "/v1/messages"
		body = map[string]interface{}{
			"model":      model,
			"messages":   []map[string]string{{"role": "user", "content": req.Prompt}},
			"max_tokens": req.MaxTokens,
		}
	default:
		path = "/infer"
		body = map[string]interface{}{
			"modelId":   model,
			"prompt":    req.Prompt,
			"maxTokens": req.MaxTokens,
		}
	}
	if req.Temperature != nil {
		body.(map[string]interface{})["temperature"] = *req.Temperature
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return protocol.InferenceResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return protocol.InferenceResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch r.shape {
	case shapeAnthropic:
		httpReq.Header.Set("x-api-key", r.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	default:
		if r.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
		}
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("runner response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return protocol.InferenceResponse{}, fmt.Errorf("runner status %d: %s", resp.StatusCode, truncate(data, 256))
	}

	out, usage, err := r.parse(data)
	if err != nil {
		return protocol.InferenceResponse{}, err
	}
	return protocol.InferenceResponse{
		RequestID: req.RequestID,
		ModelID:   req.ModelID,
		Output:    out,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (r *httpRunner) parse(data []byte) (string, protocol.Usage, error) {
	switch r.shape {
	case shapeOpenAI:
		var body struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &body); err != nil || len(body.Choices) == 0 {
			return "", protocol.Usage{}, fmt.Errorf("unexpected completion body")
		}
		return body.Choices[0].Message.Content, protocol.Usage{
			InputTokens:  body.Usage.PromptTokens,
			OutputTokens: body.Usage.CompletionTokens,
		}, nil
	case shapeAnthropic:
		var body struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(data, &body); err != nil || len(body.Content) == 0 {
			return "", protocol.Usage{}, fmt.Errorf("unexpected completion body")
		}
		return body.Content[0].Text, protocol.Usage{
			InputTokens:  body.Usage.InputTokens,
			OutputTokens: body.Usage.OutputTokens,
		}, nil
	default:
		var body struct {
			Output string         `json:"output"`
			Usage  protocol.Usage `json:"usage"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", protocol.Usage{}, fmt.Errorf("unexpected completion body")
		}
		return body.Output, body.Usage, nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
