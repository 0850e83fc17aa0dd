// Package ocr extracts essay text from uploaded files.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/config"
	"github.com/mooose/corrector/internal/grading"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrNoTextDetected  = errors.New("no text detected in file")
)

// Extractor turns an uploaded file into plain essay text.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, mime string) (string, error)
}

// Supported reports whether a content type can be transcribed.
func Supported(mime string) bool {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg", "image/png", "application/pdf":
		return true
	default:
		return false
	}
}

// VisionExtractor transcribes images through the grading model's vision
// endpoint and delegates PDFs to a dedicated extraction service when
// one is configured.
type VisionExtractor struct {
	log      *zap.Logger
	oracle   *grading.OpenAIOracle
	client   *http.Client
	endpoint string
}

func NewVisionExtractor(log *zap.Logger, cfg config.Config, oracle *grading.OpenAIOracle) *VisionExtractor {
	return &VisionExtractor{
		log:      log.Named("ocr"),
		oracle:   oracle,
		client:   &http.Client{Timeout: cfg.OCR.RequestTimeout},
		endpoint: strings.TrimRight(cfg.OCR.Endpoint, "/"),
	}
}

func (e *VisionExtractor) ExtractText(ctx context.Context, data []byte, mime string) (string, error) {
	mime = strings.ToLower(mime)
	if !Supported(mime) {
		return "", ErrUnsupportedType
	}

	var text string
	var err error
	if mime == "application/pdf" {
		text, err = e.extractRemote(ctx, data, mime)
	} else {
		text, err = e.oracle.ExtractText(ctx, data, mime)
	}
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoTextDetected
	}
	return text, nil
}

func (e *VisionExtractor) extractRemote(ctx context.Context, data []byte, mime string) (string, error) {
	if e.endpoint == "" {
		return "", fmt.Errorf("%w: pdf extraction service not configured", ErrUnsupportedType)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/extract", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mime)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", grading.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: ocr status %d", grading.ErrUpstream, resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode ocr response: %v", grading.ErrUpstream, err)
	}
	return out.Text, nil
}

var _ Extractor = (*VisionExtractor)(nil)
