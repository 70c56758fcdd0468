package inference

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

const validResult = `{
	"people": [{"box": {"x": 0.1, "y": 0.2, "width": 0.1, "height": 0.3}}],
	"metrics": {"density": 0.4, "pressure": 0.2, "velocityVariance": 0.1, "flowVariance": 0.3, "velocitySpikes": 1},
	"heatmap": [{"x": 0.5, "y": 0.5, "intensity": 0.8}],
	"riskLevel": "RISK"
}`

func testFrame() *source.Frame {
	return &source.Frame{JPEG: []byte{0xff, 0xd8, 0xff, 0xd9}, Width: 640, Height: 480, Seq: 7}
}

func candidateBody(text string) map[string]interface{} {
	return map[string]interface{}{
		"candidates": []map[string]interface{}{{
			"content":      map[string]interface{}{"parts": []map[string]string{{"text": text}}},
			"finishReason": "STOP",
		}},
	}
}

func newTestGemini(t *testing.T, url string) *Gemini {
	t.Helper()
	g, err := NewGemini(context.Background(), WithBaseURL(url), WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	return g
}

func TestGemini_Analyze(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("Missing API key header")
		}

		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.GenerationConfig.Temperature != 0.1 {
			t.Errorf("Temperature = %v, want 0.1", req.GenerationConfig.Temperature)
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("ResponseMimeType = %q", req.GenerationConfig.ResponseMimeType)
		}
		if req.GenerationConfig.ResponseSchema == nil {
			t.Error("Expected response schema")
		}
		if req.SystemInstruction == nil || !strings.Contains(req.SystemInstruction.Parts[0].Text, "SafeFlow") {
			t.Error("Expected system instruction")
		}
		inline := req.Contents[0].Parts[0].InlineData
		if inline == nil || inline.MimeType != "image/jpeg" {
			t.Fatalf("Expected inline jpeg, got %+v", inline)
		}
		if inline.Data != base64.StdEncoding.EncodeToString(testFrame().JPEG) {
			t.Error("Inline data does not match frame")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(candidateBody(validResult))
	}))
	defer server.Close()

	result, err := newTestGemini(t, server.URL).Analyze(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if result.RiskLevel != crowd.RiskElevated {
		t.Errorf("RiskLevel = %s, want RISK", result.RiskLevel)
	}
	if result.PersonCount() != 1 {
		t.Errorf("PersonCount = %d, want 1", result.PersonCount())
	}
	if result.Metrics.VelocitySpikes != 1 {
		t.Errorf("VelocitySpikes = %d, want 1", result.Metrics.VelocitySpikes)
	}
}

func TestGemini_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		stage  Stage
		retry  bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"code":401,"message":"bad key"}}`, StageStatus, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":429,"message":"slow down"}}`, StageStatus, true},
		{"server error", http.StatusInternalServerError, `oops`, StageStatus, true},
		{"not json", http.StatusOK, `<html>`, StageDecode, false},
		{"no candidates", http.StatusOK, `{"candidates":[]}`, StageDecode, false},
		{"schema mismatch", http.StatusOK, "", StageSchema, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.stage == StageSchema {
					json.NewEncoder(w).Encode(candidateBody(`{"people": []}`))
					return
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestGemini(t, server.URL).Analyze(context.Background(), testFrame())
			if err == nil {
				t.Fatal("Expected error")
			}
			var ae *AnalysisError
			if !errors.As(err, &ae) {
				t.Fatalf("Expected *AnalysisError, got %T", err)
			}
			if ae.Stage != tt.stage {
				t.Errorf("Stage = %s, want %s", ae.Stage, tt.stage)
			}
			if IsRetryable(err) != tt.retry {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retry)
			}
			if tt.stage == StageStatus && StatusCode(err) != tt.status {
				t.Errorf("StatusCode = %d, want %d", StatusCode(err), tt.status)
			}
		})
	}
}

func TestGemini_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestGemini(t, url).Analyze(context.Background(), testFrame())
	var ae *AnalysisError
	if !errors.As(err, &ae) || ae.Stage != StageTransport {
		t.Fatalf("Expected transport AnalysisError, got %v", err)
	}
}

func TestGemini_NoFrame(t *testing.T) {
	g := newTestGemini(t, "http://127.0.0.1:1")
	_, err := g.Analyze(context.Background(), nil)
	if !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame, got %v", err)
	}
}

func TestNewGemini_RequiresCredentials(t *testing.T) {
	_, err := NewGemini(context.Background())
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("Expected ErrNoAPIKey, got %v", err)
	}
}

func TestMock(t *testing.T) {
	m := NewMock()
	result, err := m.Analyze(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.RiskLevel != crowd.RiskSafe {
		t.Errorf("RiskLevel = %s", result.RiskLevel)
	}
	if m.CallCount() != 1 || m.Calls()[0].Seq != 7 {
		t.Errorf("Unexpected calls: %+v", m.Calls())
	}

	m.WithError(errors.New("boom"))
	if _, err := m.Analyze(context.Background(), testFrame()); err == nil {
		t.Error("Expected error")
	}
	m.Reset()
	if m.CallCount() != 0 {
		t.Errorf("CallCount after Reset = %d", m.CallCount())
	}
}
