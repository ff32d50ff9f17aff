package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OpenAIConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

// Client talks to an OpenAI-compatible chat completions and embeddings
// API. It implements IntentClassifier, QueryBuilder, Corrector and
// Embedder.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	temperature    float64
	client         *http.Client
}

func NewClient(cfg OpenAIConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
		client:         &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *Client) Classify(ctx context.Context, req IntentRequest) (Intent, error) {
	content, err := c.chat(ctx, intentSystemPrompt, intentUserPrompt(req))
	if err != nil {
		return Intent{}, err
	}
	var intent Intent
	if err := json.Unmarshal([]byte(content), &intent); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	if intent.Kind == "" {
		intent.Kind = IntentDatabaseQuery
	}
	return intent, nil
}

func (c *Client) Build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	user, err := buildUserPrompt(req)
	if err != nil {
		return BuildResult{}, err
	}
	content, err := c.chat(ctx, fmt.Sprintf(buildSystemPrompt, dialectLabel(req.Dialect)), user)
	if err != nil {
		return BuildResult{}, err
	}
	var note struct {
		CorrectionNote string `json:"correction_note"`
	}
	if err := json.Unmarshal([]byte(content), &note); err != nil {
		return BuildResult{}, fmt.Errorf("decode canonical query: %w", err)
	}
	return BuildResult{Query: json.RawMessage(content), Note: note.CorrectionNote, Model: c.model}, nil
}

func (c *Client) Correct(ctx context.Context, req CorrectionRequest) (CorrectionResult, error) {
	user, err := correctUserPrompt(req)
	if err != nil {
		return CorrectionResult{}, err
	}
	content, err := c.chat(ctx, fmt.Sprintf(correctSystemPrompt, dialectLabel(req.Dialect)), user)
	if err != nil {
		return CorrectionResult{}, err
	}
	var parsed struct {
		SQL  string `json:"generated_sql"`
		Note string `json:"correction_note"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// Some models answer with bare SQL despite the instructions.
		parsed.SQL = stripMarkdownSQL(content)
	}
	sql := stripMarkdownSQL(parsed.SQL)
	if strings.TrimSpace(sql) == "" {
		return CorrectionResult{}, fmt.Errorf("model returned empty SQL")
	}
	return CorrectionResult{SQL: sql, Note: parsed.Note}, nil
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.embeddingModel,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding payload: %w", err)
	}
	raw, err := c.post(ctx, "/v1/embeddings", body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) chat(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     c.temperature,
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}
	raw, err := c.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	content := stripMarkdownSQL(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("model returned empty content")
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s failed status=%d body=%s", path, resp.StatusCode, truncate(string(raw), 512))
	}
	return raw, nil
}

func dialectLabel(dialect string) string {
	switch strings.ToLower(dialect) {
	case "mysql":
		return "MySQL"
	case "sqlite":
		return "SQLite"
	case "duckdb":
		return "DuckDB"
	default:
		return "PostgreSQL"
	}
}

// stripMarkdownSQL removes a surrounding code fence and its language tag.
func stripMarkdownSQL(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimSuffix(trimmed, "```")
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "```")
	}
	return strings.TrimSpace(trimmed)
}

func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n] + "..."
}
