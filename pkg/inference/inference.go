// Package inference provides the remote crowd analyzer client.
//
// An Analyzer takes one JPEG frame and returns a structured
// crowd.AnalysisResult or fails. Calls are single-shot: no retry, no caching
// and no deadline of their own. Timeouts and pacing are the caller's job.
//
// Example usage:
//
//	analyzer, _ := inference.NewGemini(ctx,
//	    inference.WithAPIKey(os.Getenv("GEMINI_API_KEY")),
//	    inference.WithModel("gemini-2.5-flash"),
//	)
//	defer analyzer.Close()
//
//	result, err := analyzer.Analyze(ctx, frame)
package inference

import (
	"context"

	"github.com/teslashibe/go-safeflow/pkg/crowd"
	"github.com/teslashibe/go-safeflow/pkg/source"
)

// Analyzer analyzes a single frame.
type Analyzer interface {
	// Analyze submits the frame and returns the parsed result.
	// Every failure is reported as an *AnalysisError.
	Analyze(ctx context.Context, frame *source.Frame) (*crowd.AnalysisResult, error)

	// Close releases any resources held by the analyzer.
	Close() error
}
