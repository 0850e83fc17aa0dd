package grading

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/config"
)

// OpenAIOracle talks to an OpenAI-compatible Responses API.
type OpenAIOracle struct {
	log     *zap.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIOracle(log *zap.Logger, cfg config.Config) *OpenAIOracle {
	return &OpenAIOracle{
		log:     log.Named("grading.openai"),
		client:  &http.Client{Timeout: cfg.Grading.RequestTimeout},
		baseURL: strings.TrimRight(cfg.Grading.BaseURL, "/"),
		apiKey:  cfg.Grading.APIKey,
		model:   cfg.Grading.Model,
	}
}

type responsesRequest struct {
	Model       string  `json:"model"`
	Input       string  `json:"input"`
	Temperature float64 `json:"temperature"`
}

type responsesReply struct {
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r responsesReply) outputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" {
				b.WriteString(content.Text)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func (o *OpenAIOracle) Grade(ctx context.Context, topic, text string, fromFile bool) (*Result, error) {
	raw, err := o.complete(ctx, BuildPrompt(topic, text, fromFile))
	if err != nil {
		return nil, err
	}
	return parseVerdict(raw)
}

// ExtractText transcribes an essay image through the vision endpoint.
func (o *OpenAIOracle) ExtractText(ctx context.Context, data []byte, mime string) (string, error) {
	payload := map[string]any{
		"model": o.model,
		"input": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "input_text",
						"text": "Transcreva todo o texto da redação presente nesta imagem. Retorne SOMENTE o texto puro da redação, sem comentários, sem explicações e sem formatação extra.",
					},
					{
						"type":      "input_image",
						"image_url": dataURL(data, mime),
					},
				},
			},
		},
	}

	reply, err := o.post(ctx, payload)
	if err != nil {
		return "", err
	}
	return reply.outputText(), nil
}

func (o *OpenAIOracle) complete(ctx context.Context, prompt string) (string, error) {
	reply, err := o.post(ctx, responsesRequest{
		Model:       o.model,
		Input:       prompt,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return reply.outputText(), nil
}

func (o *OpenAIOracle) post(ctx context.Context, payload any) (*responsesReply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		o.log.Warn("grading request failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(raw, 512)),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var reply responsesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, reply.Error.Message)
	}
	return &reply, nil
}

func parseVerdict(raw string) (*Result, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap the object in a markdown fence.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	result.Raw = json.RawMessage(raw)
	return &result, nil
}

func dataURL(data []byte, mime string) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

var _ Oracle = (*OpenAIOracle)(nil)
