package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/repository"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type idemTestEnv struct {
	router       *gin.Engine
	store        service.IdempotencyStore
	handlerCalls atomic.Int32
	handlerCode  atomic.Int32
}

func newIdemTestEnv(t *testing.T, mutate func(*IdempotencyOptions)) *idemTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := repository.NewMemoryIdempotencyStore(repository.MemoryStoreConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coordinator := service.NewIdempotencyCoordinator(store, service.IdempotencyConfig{
		LockTTL: 30 * time.Second,
	})

	env := &idemTestEnv{store: store}
	env.handlerCode.Store(http.StatusCreated)

	opts := IdempotencyOptions{
		Coordinator:        coordinator,
		RequireKey:         true,
		ExcludePaths:       []string{"/health", "/api/v1/ops/*"},
		FingerprintHeaders: []string{"Content-Type"},
	}
	if mutate != nil {
		mutate(&opts)
	}

	router := gin.New()
	router.Use(Idempotency(opts))
	handle := func(c *gin.Context) {
		env.handlerCalls.Add(1)
		c.Header("X-Payment-Id", "pay_1")
		c.JSON(int(env.handlerCode.Load()), gin.H{"id": "pay_1"})
	}
	router.POST("/api/v1/payments", handle)
	router.POST("/api/v1/ops/echo", handle)
	router.GET("/api/v1/payments", handle)
	env.router = router
	return env
}

func (e *idemTestEnv) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestIdempotencyFirstRequestExecutes(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.JSONEq(t, `{"id":"pay_1"}`, w.Body.String())
	require.Equal(t, "pay_1", w.Header().Get("X-Payment-Id"))
	require.Empty(t, w.Header().Get("Idempotency-Replayed"))
	require.EqualValues(t, 1, env.handlerCalls.Load())
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	first := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	second := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)

	require.Equal(t, first.Code, second.Code)
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	require.Equal(t, "pay_1", second.Header().Get("X-Payment-Id"))
	require.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	require.EqualValues(t, 1, env.handlerCalls.Load(), "handler must run exactly once")
}

func TestIdempotencyRequestMismatch(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	w := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":999}`)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "REQUEST_MISMATCH")
	require.EqualValues(t, 1, env.handlerCalls.Load())
}

func TestIdempotencyMissingKey(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/v1/payments", "", `{"amount":100}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "MISSING_IDEMPOTENCY_KEY")
	require.EqualValues(t, 0, env.handlerCalls.Load())
}

func TestIdempotencyMissingKeyOptional(t *testing.T) {
	env := newIdemTestEnv(t, func(o *IdempotencyOptions) { o.RequireKey = false })

	w := env.do(http.MethodPost, "/api/v1/payments", "", `{"amount":100}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.EqualValues(t, 1, env.handlerCalls.Load())
}

func TestIdempotencyInvalidKey(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/v1/payments", "bad key!", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "INVALID_KEY_FORMAT")
}

func TestIdempotencyMethodNotGated(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	env.do(http.MethodGet, "/api/v1/payments", "order-1", "")
	env.do(http.MethodGet, "/api/v1/payments", "order-1", "")
	require.EqualValues(t, 2, env.handlerCalls.Load())
}

func TestIdempotencyExcludedPath(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	env.do(http.MethodPost, "/api/v1/ops/echo", "order-1", `{}`)
	env.do(http.MethodPost, "/api/v1/ops/echo", "order-1", `{}`)
	require.EqualValues(t, 2, env.handlerCalls.Load())
}

func TestIdempotencyConcurrentReject(t *testing.T) {
	env := newIdemTestEnv(t, nil)

	// 手动占住锁，模拟同指纹的持锁方仍在处理。
	hash, err := service.Fingerprint(service.FingerprintInput{
		Method:  http.MethodPost,
		Path:    "/api/v1/payments",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"amount":100}`),
	})
	require.NoError(t, err)
	_, err = env.store.StartProcessing(context.Background(), service.StartProcessingOptions{
		Key:         "order-1",
		RequestHash: hash,
		LockTTL:     30 * time.Second,
		RecordTTL:   time.Hour,
	})
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "CONCURRENT_REQUEST")
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.EqualValues(t, 0, env.handlerCalls.Load())
}

func TestIdempotencyServerErrorRetryable(t *testing.T) {
	env := newIdemTestEnv(t, nil)
	env.handlerCode.Store(http.StatusBadGateway)

	first := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusBadGateway, first.Code)

	// 5xx 记录为 FAILED，后续同键请求接管重试而非重放失败响应。
	env.handlerCode.Store(http.StatusCreated)
	second := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.EqualValues(t, 2, env.handlerCalls.Load())
}

func TestIdempotencyClientErrorReplayed(t *testing.T) {
	env := newIdemTestEnv(t, nil)
	env.handlerCode.Store(http.StatusConflict)

	first := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusConflict, first.Code)

	// 4xx 是确定性业务结果，照常入库并重放。
	second := env.do(http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	require.EqualValues(t, 1, env.handlerCalls.Load())
}

func TestPathMatcher(t *testing.T) {
	m := newPathMatcher([]string{"/health", "/api/v1/ops/*", `regexp:^/internal/\d+$`})

	require.True(t, m.matches("/health"))
	require.False(t, m.matches("/healthz"))
	require.True(t, m.matches("/api/v1/ops/cleanup"))
	require.True(t, m.matches("/internal/42"))
	require.False(t, m.matches("/internal/abc"))
}

func TestBufferedWriterEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	buffered := newBufferedResponseWriter(c.Writer)
	buffered.Header().Set("Content-Type", "application/json")
	buffered.Header().Set("X-Payment-Id", "pay_1")
	buffered.WriteHeader(http.StatusCreated)
	_, err := buffered.WriteString(`{"id":"pay_1"}`)
	require.NoError(t, err)

	env := buffered.envelope()
	require.Equal(t, http.StatusCreated, env.StatusCode)
	require.Equal(t, "application/json", env.ContentType)
	require.Equal(t, "pay_1", env.Headers["X-Payment-Id"])
	require.Equal(t, []byte(`{"id":"pay_1"}`), env.Body)

	// 缓冲期间真实连接不能收到任何字节。
	require.Zero(t, rec.Body.Len())
}
