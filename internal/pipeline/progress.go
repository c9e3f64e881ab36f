package pipeline

import "context"

// ProgressFunc receives intra-stage progress from an executor.
type ProgressFunc func(percent float64, message string)

type progressKey struct{}

// WithProgress attaches a progress callback to ctx.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards percent (0-100 within the current stage) to the
// callback attached by the engine, if any. Reports after ctx is done are
// dropped so an attempt past its deadline stays quiet.
func ReportProgress(ctx context.Context, percent float64, message string) {
	if ctx.Err() != nil {
		return
	}
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(percent, message)
	}
}
