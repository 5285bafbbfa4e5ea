package handler

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newPaymentsRouter(t *testing.T) (*gin.Engine, *PaymentsHandler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewPaymentsHandler()
	r := gin.New()
	r.POST("/api/v1/payments", h.Create)
	r.GET("/api/v1/payments/:id", h.Get)
	return r, h
}

func TestPaymentsCreateAndGet(t *testing.T) {
	r, h := newPaymentsRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/payments", `{"amount":100,"currency":"eur"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	body := w.Body.String()
	require.Equal(t, "EUR", gjson.Get(body, "currency").String())
	require.Equal(t, "succeeded", gjson.Get(body, "status").String())
	require.Equal(t, 1, h.Count())

	id := gjson.Get(body, "id").String()
	require.Equal(t, id, w.Header().Get("X-Payment-Id"))

	got := doJSON(r, http.MethodGet, "/api/v1/payments/"+id, "")
	require.Equal(t, http.StatusOK, got.Code)
	require.Equal(t, id, gjson.Get(got.Body.String(), "id").String())
}

func TestPaymentsCreateRejectsInvalidAmount(t *testing.T) {
	r, h := newPaymentsRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/payments", `{"amount":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Zero(t, h.Count())
}

func TestPaymentsGetUnknown(t *testing.T) {
	r, _ := newPaymentsRouter(t)

	w := doJSON(r, http.MethodGet, "/api/v1/payments/pay_missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}
