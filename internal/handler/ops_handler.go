package handler

import (
	"net/http"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/pkg/response"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
)

// OpsHandler 暴露幂等子系统的运维入口：健康检查、指标快照、手动清扫。
type OpsHandler struct {
	coordinator *service.IdempotencyCoordinator
	cleanup     *service.IdempotencyCleanupService
}

func NewOpsHandler(coordinator *service.IdempotencyCoordinator, cleanup *service.IdempotencyCleanupService) *OpsHandler {
	return &OpsHandler{coordinator: coordinator, cleanup: cleanup}
}

// Health 存储后端健康检查。
// GET /health
func (h *OpsHandler) Health(c *gin.Context) {
	if h.coordinator == nil {
		response.Error(c, http.StatusServiceUnavailable, "idempotency coordinator not available")
		return
	}
	if err := h.coordinator.Store().HealthCheck(c.Request.Context()); err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, gin.H{"status": "ok"})
}

// Metrics 返回进程内幂等指标快照。
// GET /api/v1/ops/idempotency/metrics
func (h *OpsHandler) Metrics(c *gin.Context) {
	response.Success(c, service.GetIdempotencyMetricsSnapshot())
}

type cleanupRequest struct {
	DryRun      bool   `json:"dry_run"`
	KeyPrefix   string `json:"key_prefix"`
	ClientID    string `json:"client_id"`
	BatchSize   int    `json:"batch_size"`
	MaxRecords  int    `json:"max_records"`
	ForceBefore string `json:"force_before"` // RFC3339，删除该时刻前创建的全部记录
}

// Cleanup 手动触发一轮过期记录清扫。
// POST /api/v1/ops/idempotency/cleanup
func (h *OpsHandler) Cleanup(c *gin.Context) {
	if h.coordinator == nil {
		response.Error(c, http.StatusServiceUnavailable, "idempotency coordinator not available")
		return
	}

	var req cleanupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, "invalid cleanup request: "+err.Error())
			return
		}
	}

	opts := service.CleanupOptions{
		BatchSize:  req.BatchSize,
		MaxRecords: req.MaxRecords,
		KeyPrefix:  req.KeyPrefix,
		ClientID:   req.ClientID,
		DryRun:     req.DryRun,
	}
	if req.ForceBefore != "" {
		t, err := time.Parse(time.RFC3339, req.ForceBefore)
		if err != nil {
			response.Error(c, http.StatusBadRequest, "force_before must be RFC3339")
			return
		}
		opts.ForceBefore = &t
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	result, err := h.coordinator.Store().Cleanup(c.Request.Context(), opts)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}

// Sweep 以清扫器自身配置跑一轮，与后台定时清扫完全一致。
// POST /api/v1/ops/idempotency/sweep
func (h *OpsHandler) Sweep(c *gin.Context) {
	if h.cleanup == nil {
		response.Error(c, http.StatusServiceUnavailable, "cleanup service not available")
		return
	}
	result, err := h.cleanup.SweepOnce(c.Request.Context())
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}
	response.Success(c, result)
}
