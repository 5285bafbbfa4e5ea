package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeIdempotencyStore 以函数字段脚本化各操作，便于精确驱动协调器分支。
type fakeIdempotencyStore struct {
	checkFn           func(ctx context.Context, key, requestHash string) (*CheckResult, error)
	startProcessingFn func(ctx context.Context, opts StartProcessingOptions) (*LockResult, error)
	recordFn          func(ctx context.Context, opts RecordOptions) (*IdempotencyRecord, error)
	releaseLockFn     func(ctx context.Context, opts ReleaseLockOptions) (*ReleaseResult, error)
	extendLockFn      func(ctx context.Context, key, token string, ext time.Duration) (*ExtendResult, error)
}

func (f *fakeIdempotencyStore) Check(ctx context.Context, key, requestHash string) (*CheckResult, error) {
	if f.checkFn == nil {
		return &CheckResult{}, nil
	}
	return f.checkFn(ctx, key, requestHash)
}

func (f *fakeIdempotencyStore) StartProcessing(ctx context.Context, opts StartProcessingOptions) (*LockResult, error) {
	return f.startProcessingFn(ctx, opts)
}

func (f *fakeIdempotencyStore) Record(ctx context.Context, opts RecordOptions) (*IdempotencyRecord, error) {
	if f.recordFn == nil {
		return &IdempotencyRecord{Key: opts.Key, Status: IdempotencyStatusCompleted}, nil
	}
	return f.recordFn(ctx, opts)
}

func (f *fakeIdempotencyStore) ReleaseLock(ctx context.Context, opts ReleaseLockOptions) (*ReleaseResult, error) {
	if f.releaseLockFn == nil {
		return &ReleaseResult{Released: true}, nil
	}
	return f.releaseLockFn(ctx, opts)
}

func (f *fakeIdempotencyStore) ExtendLock(ctx context.Context, key, token string, ext time.Duration) (*ExtendResult, error) {
	if f.extendLockFn == nil {
		return &ExtendResult{Extended: true, LockExpiresAt: time.Now().Add(ext)}, nil
	}
	return f.extendLockFn(ctx, key, token, ext)
}

func (f *fakeIdempotencyStore) Cleanup(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	return &CleanupResult{}, nil
}

func (f *fakeIdempotencyStore) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeIdempotencyStore) Close() error                          { return nil }

func newTestCoordinator(store IdempotencyStore, mutate func(*IdempotencyConfig)) *IdempotencyCoordinator {
	cfg := DefaultIdempotencyConfig()
	cfg.StorageRetry.BackoffBase = time.Millisecond
	cfg.StorageRetry.BackoffCap = 2 * time.Millisecond
	cfg.RetryInterval = time.Millisecond
	cfg.MaxWaitTime = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewIdempotencyCoordinator(store, cfg)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func acquiredLock() *LockResult {
	return &LockResult{
		Acquired:      true,
		LockToken:     NewLockToken(),
		LockExpiresAt: time.Now().Add(30 * time.Second),
	}
}

func execOpts() IdempotencyExecuteOptions {
	return IdempotencyExecuteOptions{
		Key:      "order-1",
		Method:   "POST",
		Endpoint: "/api/v1/payments",
		ClientID: "client-1",
		Scope:    "payments",
		Body:     []byte(`{"amount":100}`),
	}
}

func TestCoordinatorExecuteFirstRequest(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var recorded RecordOptions
	store := &fakeIdempotencyStore{
		startProcessingFn: func(_ context.Context, opts StartProcessingOptions) (*LockResult, error) {
			require.Equal(t, "order-1", opts.Key)
			require.Len(t, opts.RequestHash, 64)
			return acquiredLock(), nil
		},
		recordFn: func(_ context.Context, opts RecordOptions) (*IdempotencyRecord, error) {
			recorded = opts
			return &IdempotencyRecord{Key: opts.Key, Status: IdempotencyStatusCompleted}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 201, Body: []byte(`{"id":"pay_1"}`)}, nil
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.True(t, res.Stored)
	require.Equal(t, 201, res.Response.StatusCode)
	require.False(t, recorded.MarkFailed)
	require.True(t, ValidLockToken(recorded.LockToken))

	snap := GetIdempotencyMetricsSnapshot()
	require.EqualValues(t, 1, snap.ClaimTotal)
	require.EqualValues(t, 0, snap.ReplayTotal)
}

func TestCoordinatorExecuteReplaysCompleted(t *testing.T) {
	resetIdempotencyMetricsForTest()
	stored := &ResponseEnvelope{StatusCode: 200, Body: []byte(`{"id":"pay_1"}`)}
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{
				ExistingStatus:   IdempotencyStatusCompleted,
				ExistingResponse: stored,
			}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	executed := false
	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		executed = true
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.False(t, executed, "replay must not re-run the operation")
	require.Equal(t, stored.Body, res.Response.Body)
	require.EqualValues(t, 1, GetIdempotencyMetricsSnapshot().ReplayTotal)
}

func TestCoordinatorExecuteRequestMismatch(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{RequestMismatch: true, ExistingStatus: IdempotencyStatusCompleted}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		t.Fatal("must not execute")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrRequestMismatch)
	require.EqualValues(t, 1, GetIdempotencyMetricsSnapshot().ConflictTotal)
}

func TestCoordinatorExecuteConcurrentReject(t *testing.T) {
	resetIdempotencyMetricsForTest()
	deadline := time.Now().Add(25 * time.Second)
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{
				ExistingStatus:       IdempotencyStatusProcessing,
				ExistingLockDeadline: &deadline,
			}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrConcurrentRequest)
	require.Greater(t, RetryAfterSeconds(err), 0)
}

func TestCoordinatorExecuteWaitThenReplay(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var checks atomic.Int32
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
		},
		checkFn: func(context.Context, string, string) (*CheckResult, error) {
			if checks.Add(1) < 3 {
				return &CheckResult{Found: true, Status: IdempotencyStatusProcessing}, nil
			}
			return &CheckResult{
				Found:    true,
				Status:   IdempotencyStatusCompleted,
				Response: &ResponseEnvelope{StatusCode: 200, Body: []byte(`{"done":true}`)},
			}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.ConcurrentHandling = ConcurrentHandlingWait
	})

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		t.Fatal("must not execute")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, []byte(`{"done":true}`), res.Response.Body)
}

func TestCoordinatorExecuteWithRetryOutlivesConflict(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var attempts atomic.Int32
	stored := &ResponseEnvelope{StatusCode: 201, Body: []byte(`{"id":"pay_1"}`)}
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			if attempts.Add(1) < 3 {
				return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
			}
			return &LockResult{ExistingStatus: IdempotencyStatusCompleted, ExistingResponse: stored}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	res, err := c.ExecuteWithRetry(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		t.Fatal("must not execute")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, stored.Body, res.Response.Body)
	require.EqualValues(t, 3, attempts.Load())
}

func TestCoordinatorExecuteWithRetryTimesOut(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.MaxWaitTime = 3 * time.Millisecond
		cfg.RetryInterval = time.Millisecond
	})

	_, err := c.ExecuteWithRetry(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestCoordinatorExecuteWaitTimeout(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
		},
		checkFn: func(context.Context, string, string) (*CheckResult, error) {
			return &CheckResult{Found: true, Status: IdempotencyStatusProcessing}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.ConcurrentHandling = ConcurrentHandlingWait
		cfg.MaxWaitTime = 5 * time.Millisecond
	})

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestCoordinatorExecuteFailureMarksFailed(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var released ReleaseLockOptions
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return acquiredLock(), nil
		},
		releaseLockFn: func(_ context.Context, opts ReleaseLockOptions) (*ReleaseResult, error) {
			released = opts
			return &ReleaseResult{Released: true, Status: IdempotencyStatusFailed}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	boom := errors.New("payment gateway down")
	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, released.MarkFailed)
	require.Equal(t, "EXECUTION_FAILED", released.ErrorCode)
}

func TestCoordinatorExecuteServerErrorRecordedAsFailed(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var recorded RecordOptions
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return acquiredLock(), nil
		},
		recordFn: func(_ context.Context, opts RecordOptions) (*IdempotencyRecord, error) {
			recorded = opts
			return &IdempotencyRecord{Key: opts.Key, Status: IdempotencyStatusFailed}, nil
		},
	}
	c := newTestCoordinator(store, nil)

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 502}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 502, res.Response.StatusCode)
	require.True(t, recorded.MarkFailed)
}

func TestCoordinatorStorageRetryThenSuccess(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var attempts atomic.Int32
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			if attempts.Add(1) < 3 {
				return nil, StorageError(errors.New("connection refused"))
			}
			return acquiredLock(), nil
		},
	}
	c := newTestCoordinator(store, nil)

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	require.True(t, res.Stored)
	require.EqualValues(t, 3, attempts.Load())
	require.EqualValues(t, 2, GetIdempotencyMetricsSnapshot().RetryBackoffTotal)
}

func TestCoordinatorStorageDownFailClosed(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return nil, StorageError(errors.New("connection refused"))
		},
	}
	c := newTestCoordinator(store, nil)

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		t.Fatal("must not execute when failing closed")
		return nil, nil
	})
	require.True(t, IsStorageError(err))
	require.Positive(t, GetIdempotencyMetricsSnapshot().StoreUnavailableTotal)
}

func TestCoordinatorStorageDownFailOpen(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return nil, StorageError(errors.New("connection refused"))
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.FailOpen = true
	})

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.False(t, res.Stored)
}

func TestCoordinatorObserveOnlyBypassesConflicts(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{RequestMismatch: true}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.ObserveOnly = true
	})

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	require.EqualValues(t, 1, GetIdempotencyMetricsSnapshot().ConflictTotal)
}

func TestCoordinatorInvalidKey(t *testing.T) {
	c := newTestCoordinator(&fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			t.Fatal("store must not be reached")
			return nil, nil
		},
	}, nil)

	opts := execOpts()
	opts.Key = "bad key with spaces"
	_, err := c.Execute(context.Background(), opts, func(context.Context) (*ResponseEnvelope, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestCoordinatorKeyPrefixApplied(t *testing.T) {
	var seenKey string
	store := &fakeIdempotencyStore{
		startProcessingFn: func(_ context.Context, opts StartProcessingOptions) (*LockResult, error) {
			seenKey = opts.Key
			return acquiredLock(), nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.KeyPrefix = "payments"
	})

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "payments:order-1", seenKey)
}

func TestCoordinatorKeyLengthCountsPrefix(t *testing.T) {
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			t.Fatal("store must not be reached")
			return nil, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.KeyPrefix = strings.Repeat("p", 26)
		cfg.MaxKeyLength = 256
	})

	// 裸键 250 字符本身合规，但拼上前缀后 277 字符超限。
	opts := execOpts()
	opts.Key = strings.Repeat("k", 250)
	_, err := c.Execute(context.Background(), opts, func(context.Context) (*ResponseEnvelope, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrKeyTooLong)
}

func TestCoordinatorWaitFailedTakeover(t *testing.T) {
	resetIdempotencyMetricsForTest()
	var starts atomic.Int32
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			if starts.Add(1) == 1 {
				return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
			}
			lr := acquiredLock()
			lr.Takeover = true
			return lr, nil
		},
		checkFn: func(context.Context, string, string) (*CheckResult, error) {
			return &CheckResult{Found: true, Status: IdempotencyStatusFailed}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.ConcurrentHandling = ConcurrentHandlingWait
	})

	res, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		return &ResponseEnvelope{StatusCode: 200}, nil
	})
	require.NoError(t, err)
	require.True(t, res.Takeover)
	require.EqualValues(t, 2, starts.Load())
}

func TestCoordinatorWaitFailedConflict(t *testing.T) {
	resetIdempotencyMetricsForTest()
	store := &fakeIdempotencyStore{
		startProcessingFn: func(context.Context, StartProcessingOptions) (*LockResult, error) {
			return &LockResult{ExistingStatus: IdempotencyStatusProcessing}, nil
		},
		checkFn: func(context.Context, string, string) (*CheckResult, error) {
			return &CheckResult{Found: true, Status: IdempotencyStatusFailed}, nil
		},
	}
	c := newTestCoordinator(store, func(cfg *IdempotencyConfig) {
		cfg.ConcurrentHandling = ConcurrentHandlingWait
		cfg.WaitFailedBehavior = WaitFailedConflict
	})

	_, err := c.Execute(context.Background(), execOpts(), func(context.Context) (*ResponseEnvelope, error) {
		t.Fatal("must not execute")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrConcurrentRequest)
}

func TestCoordinatorBackoffDelayBounds(t *testing.T) {
	c := NewIdempotencyCoordinator(&fakeIdempotencyStore{}, IdempotencyConfig{
		StorageRetry: StorageRetryPolicy{
			MaxAttempts: 5,
			BackoffBase: 100 * time.Millisecond,
			BackoffCap:  10 * time.Second,
		},
	})
	for attempt := 0; attempt < 10; attempt++ {
		base := 100 * time.Millisecond
		for i := 0; i < attempt; i++ {
			base *= 2
			if base >= 10*time.Second {
				base = 10 * time.Second
				break
			}
		}
		d := c.backoffDelay(attempt)
		require.GreaterOrEqual(t, d, base)
		require.LessOrEqual(t, d, base+base/2)
	}
}
