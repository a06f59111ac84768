package sttprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mediascribe/coreplane/internal/coreerr"
)

type fakeBackend struct {
	name       string
	calls      int
	failTimes  int
	failKind   coreerr.Kind
	result     Result
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Transcribe(ctx context.Context, audio []byte, opts TranscribeOpts) (Result, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return Result{}, coreerr.New(f.failKind, "synthetic failure")
	}
	return f.result, nil
}

func noSleep(time.Duration) {}

func TestFacade_SucceedsOnFirstTry(t *testing.T) {
	primary := &fakeBackend{name: "primary", result: Result{Text: "hello"}}
	f := NewFacade(primary, nil, zaptest.NewLogger(t))
	f.sleep = noSleep

	res, err := f.Transcribe(context.Background(), []byte("a"), TranscribeOpts{})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 1, primary.calls)
}

func TestFacade_RetriesTransientFailureThenSucceeds(t *testing.T) {
	primary := &fakeBackend{name: "primary", failTimes: 2, failKind: coreerr.ProviderUnavailable, result: Result{Text: "ok"}}
	f := NewFacade(primary, nil, zaptest.NewLogger(t))
	f.sleep = noSleep

	res, err := f.Transcribe(context.Background(), []byte("a"), TranscribeOpts{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, primary.calls)
}

func TestFacade_FallsBackWhenPrimaryExhausted(t *testing.T) {
	primary := &fakeBackend{name: "primary", failTimes: 99, failKind: coreerr.ProviderUnavailable}
	secondary := &fakeBackend{name: "secondary", result: Result{Text: "fallback"}}
	f := NewFacade(primary, secondary, zaptest.NewLogger(t))
	f.sleep = noSleep

	res, err := f.Transcribe(context.Background(), []byte("a"), TranscribeOpts{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Text)
	assert.Equal(t, 4, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestFacade_RateLimitedNeverSubstitutesEmptyText(t *testing.T) {
	primary := &fakeBackend{name: "primary", failTimes: 99, failKind: coreerr.RateLimited}
	secondary := &fakeBackend{name: "secondary", result: Result{Text: "should not be used"}}
	f := NewFacade(primary, secondary, zaptest.NewLogger(t))
	f.sleep = noSleep

	_, err := f.Transcribe(context.Background(), []byte("a"), TranscribeOpts{})
	require.Error(t, err)
	assert.Equal(t, coreerr.RateLimited, coreerr.KindOf(err))
	assert.Equal(t, 0, secondary.calls)
}

func TestFacade_BadMediaDoesNotRetryOrFallback(t *testing.T) {
	primary := &fakeBackend{name: "primary", failTimes: 99, failKind: coreerr.ProviderBadMedia}
	secondary := &fakeBackend{name: "secondary", result: Result{Text: "unused"}}
	f := NewFacade(primary, secondary, zaptest.NewLogger(t))
	f.sleep = noSleep

	_, err := f.Transcribe(context.Background(), []byte("a"), TranscribeOpts{})
	require.Error(t, err)
	assert.Equal(t, coreerr.ProviderBadMedia, coreerr.KindOf(err))
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, secondary.calls)
}

func TestSynthesizeTimestamps_UniformIntervalsZeroConfidence(t *testing.T) {
	words := SynthesizeTimestamps([]string{"a", "b", "c", "d"}, 0, 1000)
	require.Len(t, words, 4)
	for _, w := range words {
		assert.Equal(t, 0.0, w.Confidence)
	}
	assert.Equal(t, int64(0), words[0].StartMs)
	assert.Equal(t, int64(1000), words[3].EndMs)
}

func TestSynthesizeTimestamps_EmptyWords(t *testing.T) {
	assert.Nil(t, SynthesizeTimestamps(nil, 0, 1000))
}
