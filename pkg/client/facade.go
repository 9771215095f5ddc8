package client

import (
	"context"
	"fmt"
	"time"

	"github.com/menta2k/scene-analyzer/pkg/types"
)

// DefaultTimeout bounds every facade call unless configured otherwise
const DefaultTimeout = 10 * time.Second

// Facade wraps a provider adapter with per-call timeouts and error mapping.
// Every error it returns is a *ServiceError.
type Facade struct {
	provider VisionClient
	timeout  time.Duration
}

// NewFacade creates a facade over provider. A non-positive timeout selects
// DefaultTimeout.
func NewFacade(provider VisionClient, timeout time.Duration) *Facade {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Facade{provider: provider, timeout: timeout}
}

// Timeout returns the per-call timeout
func (f *Facade) Timeout() time.Duration {
	return f.timeout
}

// DetectLabels detects object and scene labels
func (f *Facade) DetectLabels(ctx context.Context, img types.Image) ([]types.Label, error) {
	return call(ctx, f.timeout, func(ctx context.Context) ([]types.Label, error) {
		return f.provider.DetectLabels(ctx, img)
	})
}

// DetectFaces detects faces and their attributes
func (f *Facade) DetectFaces(ctx context.Context, img types.Image) ([]types.FaceDetail, error) {
	return call(ctx, f.timeout, func(ctx context.Context) ([]types.FaceDetail, error) {
		return f.provider.DetectFaces(ctx, img)
	})
}

// CompareFaces matches faces in img against a reference collection
func (f *Facade) CompareFaces(ctx context.Context, img types.Image, referenceCollectionID string) ([]types.FaceMatch, error) {
	return call(ctx, f.timeout, func(ctx context.Context) ([]types.FaceMatch, error) {
		return f.provider.CompareFaces(ctx, img, referenceCollectionID)
	})
}

type outcome[T any] struct {
	value T
	err   error
}

// call runs fn under a deadline. The provider runs in its own goroutine so a
// provider that ignores ctx still cannot hold the caller past the timeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{value: zero, err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var zero T
			if ctx.Err() == context.DeadlineExceeded {
				return zero, NewServiceError(types.KindTimeout, out.err)
			}
			return zero, Classify(out.err)
		}
		return out.value, nil
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, NewServiceError(types.KindTimeout, fmt.Errorf("call exceeded %s: %w", timeout, ctx.Err()))
		}
		return zero, NewServiceError(types.KindUnavailable, ctx.Err())
	}
}
