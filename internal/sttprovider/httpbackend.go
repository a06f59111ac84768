package sttprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/models"
)

// HTTPBackend calls a JSON speech-to-text HTTP endpoint through a circuit
// breaker, translating its response into the façade's uniform Result
// shape. The actual provider contract (which vendor, what auth scheme) is
// out of scope here; this is deliberately the thinnest client that
// satisfies Backend.
type HTTPBackend struct {
	name    string
	baseURL string
	apiKey  string
	wrapper *circuitbreaker.HTTPWrapper
}

// NewHTTPBackend builds an HTTPBackend identified by name, calling
// baseURL with apiKey as a bearer credential.
func NewHTTPBackend(name, baseURL, apiKey string, logger *zap.Logger) *HTTPBackend {
	return &HTTPBackend{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		wrapper: circuitbreaker.NewHTTPWrapper(nil, name, "stt", logger),
	}
}

// Name implements Backend.
func (b *HTTPBackend) Name() string { return b.name }

type transcribeRequestBody struct {
	SessionID string `json:"session_id,omitempty"`
	ChunkIdx  *int   `json:"chunk_idx,omitempty"`
	Language  string `json:"language,omitempty"`
}

type transcribeResponseBody struct {
	Text       string  `json:"text"`
	Words      []word  `json:"words"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	DurationS  float64 `json:"duration_s"`
}

type word struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
}

// Transcribe implements Backend.
func (b *HTTPBackend) Transcribe(ctx context.Context, audio []byte, opts TranscribeOpts) (Result, error) {
	meta, err := json.Marshal(transcribeRequestBody{SessionID: opts.SessionID, ChunkIdx: opts.ChunkIdx, Language: opts.Language})
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.Internal, "marshal stt request metadata", err)
	}

	url := fmt.Sprintf("%s/transcribe?meta=%s", b.baseURL, meta)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.Internal, "build stt request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.wrapper.Do(req)
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.ProviderUnavailable, b.name+" transcribe request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, coreerr.Wrap(coreerr.ProviderUnavailable, "read stt response", err)
	}

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		return Result{}, coreerr.New(coreerr.ProviderBadMedia, b.name+" rejected media: "+string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, coreerr.New(coreerr.ProviderUnavailable, fmt.Sprintf("%s responded %d", b.name, resp.StatusCode))
	}

	var decoded transcribeResponseBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, coreerr.Wrap(coreerr.ProviderUnavailable, "decode stt response", err)
	}

	result := Result{
		Text:       decoded.Text,
		Confidence: decoded.Confidence,
		Language:   decoded.Language,
		DurationS:  decoded.DurationS,
	}
	for _, w := range decoded.Words {
		result.Words = append(result.Words, models.Word{Text: w.Text, StartMs: w.StartMs, EndMs: w.EndMs, Confidence: w.Confidence})
	}
	return result, nil
}

var _ Backend = (*HTTPBackend)(nil)
