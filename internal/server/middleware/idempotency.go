package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/Wei-Shaw/idemgate/internal/pkg/ctxkey"
	infraerrors "github.com/Wei-Shaw/idemgate/internal/pkg/errors"
	"github.com/Wei-Shaw/idemgate/internal/pkg/response"
	"github.com/Wei-Shaw/idemgate/internal/service"

	"github.com/gin-gonic/gin"
)

// DegradedHeader 在存储不可用且配置为 fail-open 时附加到放行响应上。
const DegradedHeader = "X-Idempotency-Degraded"

var errClientAborted = infraerrors.New(499, "CLIENT_ABORTED", "client disconnected before completion")

// IdempotencyOptions 为幂等中间件的装配参数。
type IdempotencyOptions struct {
	// Coordinator 为空时使用进程级默认协调器。
	Coordinator *service.IdempotencyCoordinator
	// KeyHeader 幂等键请求头，默认 Idempotency-Key。
	KeyHeader string
	// ReplayHeader 重放命中响应头，默认 Idempotency-Replayed。
	ReplayHeader string
	// RequireKey 受保护方法缺键时返回 400；关闭则直接放行。
	RequireKey bool
	// Methods 受保护的 HTTP 方法，默认 POST/PUT/PATCH。
	Methods []string
	// ExcludePaths 跳过幂等处理的路径规则：精确、前缀（尾部 *）或 regexp: 正则。
	ExcludePaths []string
	// FingerprintHeaders 参与请求指纹的请求头名。
	FingerprintHeaders []string
	// MaxBodySize 指纹计算读取请求体的上限（字节），0 表示不限制。
	MaxBodySize int64
}

func (o IdempotencyOptions) normalized() IdempotencyOptions {
	out := o
	out.KeyHeader = strings.TrimSpace(out.KeyHeader)
	if out.KeyHeader == "" {
		out.KeyHeader = "Idempotency-Key"
	}
	out.ReplayHeader = strings.TrimSpace(out.ReplayHeader)
	if out.ReplayHeader == "" {
		out.ReplayHeader = "Idempotency-Replayed"
	}
	if len(out.Methods) == 0 {
		out.Methods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}
	}
	return out
}

// Idempotency 为受保护方法启用 exactly-once 响应语义。
//
// 携带幂等键的首个请求正常执行并把最终响应入库；同键重复请求直接重放
// 已存储的响应（附 Idempotency-Replayed: true），同键不同请求体返回 422，
// 同键并发按协调器配置拒绝（409 + Retry-After）或等待。处理器响应
// >= 500 时记录转入 FAILED，后续同键请求可重试。
func Idempotency(opts IdempotencyOptions) gin.HandlerFunc {
	opts = opts.normalized()
	methods := make(map[string]struct{}, len(opts.Methods))
	for _, m := range opts.Methods {
		methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
	}
	exclude := newPathMatcher(opts.ExcludePaths)

	return func(c *gin.Context) {
		coordinator := opts.Coordinator
		if coordinator == nil {
			coordinator = service.DefaultIdempotencyCoordinator()
		}
		if coordinator == nil || c.Request == nil {
			c.Next()
			return
		}
		if _, gated := methods[c.Request.Method]; !gated {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		if exclude.matches(path) {
			c.Next()
			return
		}

		rawKey := strings.TrimSpace(c.GetHeader(opts.KeyHeader))
		if rawKey == "" {
			if opts.RequireKey && !coordinator.Config().ObserveOnly {
				c.Abort()
				response.ErrorFrom(c, service.ErrMissingIdempotencyKey)
				return
			}
			c.Next()
			return
		}

		key, err := coordinator.NormalizeKey(rawKey)
		if err != nil {
			c.Abort()
			response.ErrorFrom(c, err)
			return
		}
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), ctxkey.IdempotencyKey, key))

		body, err := readRequestBody(c, opts.MaxBodySize)
		if err != nil {
			c.Abort()
			response.ErrorFrom(c, err)
			return
		}

		headers := make(map[string]string, len(opts.FingerprintHeaders))
		for _, name := range opts.FingerprintHeaders {
			if v := c.GetHeader(name); v != "" {
				headers[name] = v
			}
		}

		result, execErr := coordinator.Execute(c.Request.Context(), service.IdempotencyExecuteOptions{
			Key:      rawKey,
			Method:   c.Request.Method,
			Endpoint: path,
			ClientID: c.ClientIP(),
			Scope:    "http",
			Headers:  headers,
			Body:     body,
		}, func(ctx context.Context) (*service.ResponseEnvelope, error) {
			buffered := newBufferedResponseWriter(c.Writer)
			c.Writer = buffered
			c.Next()
			c.Writer = buffered.ResponseWriter
			if ctx.Err() != nil {
				// 客户端中途断开：不入库，释放锁让后续重试重新执行。
				return nil, errClientAborted.WithCause(ctx.Err())
			}
			return buffered.envelope(), nil
		})
		if execErr != nil {
			if errors.Is(execErr, errClientAborted) {
				c.Abort()
				return
			}
			retryAfter := service.RetryAfterSeconds(execErr)
			if retryAfter == 0 && errors.Is(execErr, service.ErrWaitTimeout) {
				retryAfter = 1
			}
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(retryAfter))
			}
			c.Abort()
			response.ErrorFrom(c, execErr)
			return
		}

		c.Abort()
		writeEnvelope(c, result, opts.ReplayHeader)
	}
}

// writeEnvelope 把响应信封写回连接。重放与首次执行共用同一条路径，
// 保证重复请求拿到与首个响应 byte 级一致的内容。
func writeEnvelope(c *gin.Context, result *service.IdempotencyExecuteResult, replayHeader string) {
	env := result.Response
	if env == nil {
		env = &service.ResponseEnvelope{StatusCode: http.StatusOK}
	}
	for name, value := range env.Headers {
		c.Header(name, value)
	}
	if env.ContentType != "" {
		c.Header("Content-Type", env.ContentType)
	}
	if result.Replayed {
		c.Header(replayHeader, "true")
	}
	if result.Degraded {
		c.Header(DegradedHeader, "store-unavailable")
	}
	c.Status(env.StatusCode)
	if len(env.Body) > 0 {
		_, _ = c.Writer.Write(env.Body)
	}
	c.Writer.WriteHeaderNow()
}

func readRequestBody(c *gin.Context, limit int64) ([]byte, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, nil
	}
	reader := io.Reader(c.Request.Body)
	if limit > 0 {
		reader = io.LimitReader(reader, limit+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, infraerrors.BadRequest("BODY_READ_ERROR", "failed to read request body").WithCause(err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, infraerrors.ContentTooLarge("BODY_TOO_LARGE", "request body exceeds configured maximum size")
	}
	_ = c.Request.Body.Close()
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// bufferedResponseWriter 拦截处理器的响应写入，延迟到幂等记录落库后
// 再统一刷回真实连接。Header() 仍指向底层 writer 的 header map。
type bufferedResponseWriter struct {
	gin.ResponseWriter
	body   bytes.Buffer
	status int
}

func newBufferedResponseWriter(w gin.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{ResponseWriter: w}
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	if code > 0 {
		w.status = code
	}
}

func (w *bufferedResponseWriter) WriteHeaderNow() {}

func (w *bufferedResponseWriter) Write(b []byte) (int, error) {
	return w.body.Write(b)
}

func (w *bufferedResponseWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *bufferedResponseWriter) Status() int {
	if w.status > 0 {
		return w.status
	}
	return http.StatusOK
}

func (w *bufferedResponseWriter) Size() int {
	return w.body.Len()
}

func (w *bufferedResponseWriter) Written() bool {
	return w.status > 0 || w.body.Len() > 0
}

func (w *bufferedResponseWriter) envelope() *service.ResponseEnvelope {
	env := &service.ResponseEnvelope{
		StatusCode: w.Status(),
		Body:       append([]byte(nil), w.body.Bytes()...),
	}
	headers := make(map[string]string)
	for name, values := range w.Header() {
		if len(values) == 0 {
			continue
		}
		switch {
		case strings.EqualFold(name, "Content-Type"):
			env.ContentType = values[0]
		case strings.EqualFold(name, "Content-Length"):
		case strings.EqualFold(name, "Date"):
		default:
			headers[name] = values[0]
		}
	}
	if len(headers) > 0 {
		env.Headers = headers
	}
	return env
}

// pathMatcher 编译排除规则：精确匹配、尾部 * 前缀匹配、regexp: 正则匹配。
// 非法正则在构造期丢弃（配置校验已提前拒绝）。
type pathMatcher struct {
	exact    map[string]struct{}
	prefixes []string
	patterns []*regexp.Regexp
}

func newPathMatcher(rules []string) *pathMatcher {
	m := &pathMatcher{exact: make(map[string]struct{})}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(rule, "regexp:"); ok {
			if re, err := regexp.Compile(rest); err == nil {
				m.patterns = append(m.patterns, re)
			}
			continue
		}
		if prefix, ok := strings.CutSuffix(rule, "*"); ok {
			m.prefixes = append(m.prefixes, prefix)
			continue
		}
		m.exact[rule] = struct{}{}
	}
	return m
}

func (m *pathMatcher) matches(path string) bool {
	if _, ok := m.exact[path]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}
