package handler

import (
	"net/http"
	"strings"
	"sync"

	"github.com/Wei-Shaw/idemgate/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentsHandler 是演示用的支付接口，挂在幂等中间件后面。
// 它只在进程内记账，用于验证 exactly-once 语义：重复提交同一
// Idempotency-Key 不会产生第二笔支付。
type PaymentsHandler struct {
	mu       sync.Mutex
	payments map[string]*Payment
}

type Payment struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type createPaymentRequest struct {
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	Currency string `json:"currency"`
}

func NewPaymentsHandler() *PaymentsHandler {
	return &PaymentsHandler{payments: make(map[string]*Payment)}
}

// Create 创建一笔支付。
// POST /api/v1/payments
func (h *PaymentsHandler) Create(c *gin.Context) {
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid payment request: "+err.Error())
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	payment := &Payment{
		ID:       "pay_" + uuid.NewString(),
		Amount:   req.Amount,
		Currency: currency,
		Status:   "succeeded",
	}
	h.mu.Lock()
	h.payments[payment.ID] = payment
	h.mu.Unlock()

	c.Header("X-Payment-Id", payment.ID)
	c.JSON(http.StatusCreated, payment)
}

// Get 查询一笔支付。
// GET /api/v1/payments/:id
func (h *PaymentsHandler) Get(c *gin.Context) {
	h.mu.Lock()
	payment, ok := h.payments[c.Param("id")]
	h.mu.Unlock()
	if !ok {
		response.Error(c, http.StatusNotFound, "payment not found")
		return
	}
	c.JSON(http.StatusOK, payment)
}

// Count 返回已创建的支付笔数，测试与演示用。
func (h *PaymentsHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.payments)
}
