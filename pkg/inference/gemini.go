package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"

	"github.com/teslashibe/go-safeflow/internal/httpc"
	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

const providerGemini = "gemini"

// generativeLanguageScope is the OAuth scope used with application-default credentials.
const generativeLanguageScope = "https://www.googleapis.com/auth/generative-language"

// Gemini analyzes frames with Google's Gemini generateContent REST API.
type Gemini struct {
	config *Config
	http   *http.Client
	logger *slog.Logger
}

// NewGemini creates a Gemini analyzer. With no API key and UseADC set, the
// HTTP client is authorized through google.DefaultTokenSource.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, wrap(providerGemini, StageRequest, err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = httpc.NewClient(cfg.Timeout)
	}

	if cfg.APIKey == "" && cfg.UseADC {
		ts, err := google.DefaultTokenSource(ctx, generativeLanguageScope)
		if err != nil {
			return nil, wrap(providerGemini, StageRequest, fmt.Errorf("default credentials: %w", err))
		}
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client = &http.Client{
			Timeout:   client.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: base},
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gemini{
		config: cfg,
		http:   client,
		logger: logger.With("component", "inference.gemini", "model", cfg.Model),
	}, nil
}

// Analyze submits one JPEG frame and parses the structured response.
func (g *Gemini) Analyze(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
	if frame == nil || len(frame.JPEG) == 0 {
		return nil, wrap(providerGemini, StageRequest, ErrNoFrame)
	}
	start := time.Now()

	payload := generateRequest{
		SystemInstruction: &content{Parts: []part{{Text: systemInstruction}}},
		Contents: []content{{
			Role: "user",
			Parts: []part{{
				InlineData: &inlineData{MimeType: frameMIMEType, Data: EncodeFrameBase64(frame)},
			}},
		}},
		GenerationConfig: generationConfig{
			Temperature:      g.config.Temperature,
			MaxOutputTokens:  g.config.MaxTokens,
			ResponseMimeType: "application/json",
			ResponseSchema:   analysisSchema,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, wrap(providerGemini, StageRequest, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(g.config.BaseURL, "/"), g.config.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, wrap(providerGemini, StageRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("x-goog-api-key", g.config.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, wrap(providerGemini, StageTransport, err)
	}
	defer resp.Body.Close()

	if err := googleapi.CheckResponse(resp); err != nil {
		return nil, wrap(providerGemini, StageStatus, err)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, wrap(providerGemini, StageDecode, fmt.Errorf("decode response: %w", err))
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, wrap(providerGemini, StageStatus, &googleapi.Error{Code: out.Error.Code, Message: out.Error.Message})
	}

	text := out.text()
	if text == "" {
		return nil, wrap(providerGemini, StageDecode, ErrEmptyResponse)
	}

	result, err := crowd.ParseResult([]byte(text))
	if err != nil {
		return nil, wrap(providerGemini, StageSchema, err)
	}

	g.logger.Debug("frame analyzed",
		"seq", frame.Seq,
		"people", result.PersonCount(),
		"risk", result.RiskLevel,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// Close releases resources.
func (g *Gemini) Close() error {
	g.http.CloseIdleConnections()
	return nil
}

// Wire types for generateContent.

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType"`
	ResponseSchema   *schema `json:"responseSchema"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// text concatenates the text parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return strings.TrimSpace(sb.String())
}
