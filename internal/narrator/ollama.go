package narrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinytelemetry/logsentry/internal/model"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3"
	DefaultTimeout = 60 * time.Second
)

// OllamaConfig configures the Ollama narrator. Zero values take defaults.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	// RequestsPerMinute caps calls to the model; 0 means unlimited.
	RequestsPerMinute float64

	HTTPClient *http.Client
}

// Ollama narrates reports with a model served by Ollama's /api/generate.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	limiter *rate.Limiter
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// NewOllama creates an Ollama narrator.
func NewOllama(conf ...OllamaConfig) *Ollama {
	c := OllamaConfig{}
	if len(conf) > 0 {
		c = conf[0]
	}
	o := &Ollama{
		baseURL: strings.TrimRight(c.BaseURL, "/"),
		model:   c.Model,
		client:  c.HTTPClient,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	if o.model == "" {
		o.model = DefaultModel
	}
	if o.client == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		o.client = &http.Client{Timeout: timeout}
	}
	if c.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(c.RequestsPerMinute/60.0), 1)
	}
	return o
}

// Narrate implements Narrator.
func (o *Ollama) Narrate(ctx context.Context, r model.ReportPayload) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("narrator: rate limit: %w", err)
	}

	prompt, err := Prompt(r)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(generateRequest{Model: o.model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("narrator: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("narrator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("narrator: ollama request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("narrator: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narrator: ollama returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("narrator: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("narrator: ollama: %s", out.Error)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", fmt.Errorf("narrator: empty response for report %s", r.ID)
	}
	return text, nil
}
