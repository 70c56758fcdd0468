package inference

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// Mock implements Analyzer for testing.
type Mock struct {
	// AnalyzeFunc is called when Analyze is invoked.
	AnalyzeFunc func(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error)

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records an Analyze invocation.
type MockCall struct {
	Seq  uint64
	Time time.Time
}

// NewMock creates a mock that returns an empty SAFE result.
func NewMock() *Mock {
	return &Mock{
		AnalyzeFunc: func(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
			return &crowd.AnalysisResult{
				People:    []crowd.Person{},
				Heatmap:   []crowd.HeatmapPoint{},
				RiskLevel: crowd.RiskSafe,
			}, nil
		},
	}
}

// Analyze calls AnalyzeFunc and records the call.
func (m *Mock) Analyze(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
	m.record(frame)
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, frame)
	}
	return nil, wrap("mock", StageTransport, ErrEmptyResponse)
}

// Close calls CloseFunc.
func (m *Mock) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) record(frame *source.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := MockCall{Time: time.Now()}
	if frame != nil {
		call.Seq = frame.Seq
	}
	m.calls = append(m.calls, call)
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns the number of Analyze calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithResult makes every call return a copy of result.
func (m *Mock) WithResult(result *crowd.AnalysisResult) *Mock {
	m.AnalyzeFunc = func(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
		return result.Clone(), nil
	}
	return m
}

// WithError makes every call fail with err wrapped as an AnalysisError.
func (m *Mock) WithError(err error) *Mock {
	m.AnalyzeFunc = func(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error) {
		return nil, wrap("mock", StageTransport, err)
	}
	return m
}
