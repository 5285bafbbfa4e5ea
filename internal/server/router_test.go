package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/config"
	"github.com/Wei-Shaw/idemgate/internal/handler"
	"github.com/Wei-Shaw/idemgate/internal/repository"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestServer(t *testing.T) (*gin.Engine, *handler.PaymentsHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := repository.NewMemoryIdempotencyStore(repository.MemoryStoreConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	coordinator := service.NewIdempotencyCoordinator(store, service.IdempotencyConfig{
		DefaultTTL: time.Hour,
		LockTTL:    30 * time.Second,
	})
	cleanup := service.NewIdempotencyCleanupService(store, service.IdempotencyCleanupConfig{})

	paymentsHandler := handler.NewPaymentsHandler()
	handlers := handler.ProvideHandlers(handler.NewOpsHandler(coordinator, cleanup), paymentsHandler)

	cfg := &config.Config{
		Idempotency: config.IdempotencyConfig{
			KeyHeader:          "Idempotency-Key",
			ReplayHeader:       "Idempotency-Replayed",
			RequireKey:         true,
			Methods:            []string{"POST", "PUT", "PATCH"},
			ExcludePaths:       []string{"/health", "/api/v1/ops/*"},
			FingerprintHeaders: []string{"Content-Type"},
		},
	}

	return SetupRouter(gin.New(), handlers, coordinator, cfg), paymentsHandler
}

func request(r *gin.Engine, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouterExactlyOncePayment(t *testing.T) {
	r, payments := newTestServer(t)

	first := request(r, http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := request(r, http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	require.Equal(t, 1, payments.Count(), "duplicate submit must not create a second payment")
}

func TestRouterPaymentLookupBypassesIdempotency(t *testing.T) {
	r, _ := newTestServer(t)

	created := request(r, http.MethodPost, "/api/v1/payments", "order-1", `{"amount":100}`)
	id := gjson.Get(created.Body.String(), "id").String()

	got := request(r, http.MethodGet, "/api/v1/payments/"+id, "", "")
	require.Equal(t, http.StatusOK, got.Code)
}

func TestRouterOpsExcluded(t *testing.T) {
	r, _ := newTestServer(t)

	// ops 路由不受幂等保护：无键 POST 也可用。
	w := request(r, http.MethodPost, "/api/v1/ops/idempotency/sweep", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	metrics := request(r, http.MethodGet, "/api/v1/ops/idempotency/metrics", "", "")
	require.Equal(t, http.StatusOK, metrics.Code)

	health := request(r, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, health.Code)
}

func TestRouterMissingKeyRejected(t *testing.T) {
	r, payments := newTestServer(t)

	w := request(r, http.MethodPost, "/api/v1/payments", "", `{"amount":100}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, payments.Count())
}
