package sttprovider

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/coreerr"
	"github.com/mediascribe/coreplane/internal/metrics"
)

// Facade is the single entry point every caller (streaming dispatcher,
// batch transcribing stage) uses to reach a speech-to-text provider.
type Facade struct {
	primary   Backend
	secondary Backend
	logger    *zap.Logger
	sleep     func(time.Duration)
}

// NewFacade builds a façade with a primary provider and an optional
// secondary fallback (nil disables fallback).
func NewFacade(primary, secondary Backend, logger *zap.Logger) *Facade {
	return &Facade{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		sleep:     time.Sleep,
	}
}

// Transcribe runs the retry-then-fallback policy in §4.4.
func (f *Facade) Transcribe(ctx context.Context, audio []byte, opts TranscribeOpts) (Result, error) {
	result, err := f.attemptWithRetry(ctx, f.primary, audio, opts)
	if err == nil {
		return result, nil
	}

	switch coreerr.KindOf(err) {
	case coreerr.RateLimited, coreerr.ProviderBadMedia:
		// Explicit provider decisions are not silently masked by falling
		// back — the caller must see them.
		return Result{}, err
	}

	if f.secondary == nil {
		return Result{}, coreerr.Wrap(coreerr.ProviderUnavailable, "primary provider unavailable, no fallback configured", err)
	}

	f.logger.Warn("primary STT provider unavailable, falling back",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err),
	)
	metrics.STTFallbacksTriggered.Inc()

	fallbackResult, fallbackErr := f.attemptWithRetry(ctx, f.secondary, audio, opts)
	if fallbackErr != nil {
		return Result{}, coreerr.Wrap(coreerr.ProviderUnavailable, "both primary and fallback providers failed", fallbackErr)
	}
	return fallbackResult, nil
}

// attemptWithRetry retries a single backend up to 3 times with the fixed
// 2s/4s/8s backoff on transient failure.
func (f *Facade) attemptWithRetry(ctx context.Context, backend Backend, audio []byte, opts TranscribeOpts) (Result, error) {
	var lastErr error
	attempts := 1 + len(backoffSchedule)
	for attempt := 0; attempt < attempts; attempt++ {
		started := time.Now()
		result, err := backend.Transcribe(ctx, audio, opts)
		metrics.RecordSTTRequest(backend.Name(), err, time.Since(started).Seconds())
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !coreerr.IsRetryable(err) {
			return Result{}, err
		}
		if attempt >= len(backoffSchedule) {
			break
		}

		select {
		case <-ctx.Done():
			return Result{}, coreerr.Wrap(coreerr.Timeout, "context cancelled during STT retry", ctx.Err())
		default:
		}
		f.sleep(backoffSchedule[attempt])
	}
	return Result{}, lastErr
}
