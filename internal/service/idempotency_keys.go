package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/Wei-Shaw/idemgate/internal/util/canonicaljson"

	"github.com/google/uuid"
)

const (
	// DefaultMaxKeyLength 幂等键（含前缀）的默认最大长度。
	DefaultMaxKeyLength = 256

	// DefaultMaxResponseSize 序列化响应信封的默认上限（1 MiB）。
	DefaultMaxResponseSize = 1 << 20

	// DefaultLockTTL 处理锁的默认租期。
	DefaultLockTTL = 30 * time.Second

	// DefaultRecordTTL 幂等记录的默认保留时长。
	DefaultRecordTTL = 24 * time.Hour

	// LockTokenPrefix fencing token 的固定前缀。
	LockTokenPrefix = "lock_"
)

// ValidateKey 校验幂等键的字符集与长度。
// 合法字符集：[A-Za-z0-9_\-:.]；maxLength <= 0 时取 DefaultMaxKeyLength。
func ValidateKey(key string, maxLength int) error {
	if key == "" {
		return ErrInvalidKeyFormat
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxKeyLength
	}
	if len(key) > maxLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if !isKeyChar(key[i]) {
			return ErrInvalidKeyFormat
		}
	}
	return nil
}

func isKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-' || c == ':' || c == '.':
		return true
	}
	return false
}

// ApplyKeyPrefix 为幂等键拼接命名空间前缀。前缀为空时原样返回。
func ApplyKeyPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	if strings.HasSuffix(prefix, ":") {
		return prefix + key
	}
	return prefix + ":" + key
}

// NewLockToken 生成一个 fencing token：固定前缀 + 32 位十六进制随机串。
func NewLockToken() string {
	id := uuid.New()
	return LockTokenPrefix + hex.EncodeToString(id[:])
}

// ValidLockToken 校验 token 形态是否为本系统铸造。
func ValidLockToken(token string) bool {
	if !strings.HasPrefix(token, LockTokenPrefix) {
		return false
	}
	body := token[len(LockTokenPrefix):]
	if len(body) != 32 {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// FingerprintInput 为请求指纹的参与要素。
//
// Headers 只应包含配置指明参与指纹的请求头（键在指纹计算时统一小写）；
// Body 为原始请求体，空体不参与哈希。
type FingerprintInput struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Fingerprint 计算请求指纹：对 [方法, 路径, 排序后的指纹头, 请求体] 的
// 规范化 JSON 表示做 sha256，输出 64 位十六进制。
//
// 同一语义请求无论 JSON 键序、空白或头部枚举顺序如何，指纹一致；请求体
// 不是合法 JSON 时按原始字节参与哈希（base64 形式），保证仍然确定。
func Fingerprint(in FingerprintInput) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')

	writeJSONString(&buf, strings.ToUpper(in.Method))
	buf.WriteByte(',')
	writeJSONString(&buf, in.Path)
	buf.WriteByte(',')
	writeSortedHeaders(&buf, in.Headers)

	if len(in.Body) > 0 {
		buf.WriteByte(',')
		if canonical, err := canonicaljson.Canonicalize(in.Body); err == nil {
			buf.Write(canonical)
		} else {
			writeJSONString(&buf, base64.StdEncoding.EncodeToString(in.Body))
		}
	}
	buf.WriteByte(']')

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintPayload 对结构化载荷计算指纹，供非 HTTP 入口（编程式调用）使用。
func FingerprintPayload(method, path string, payload any) (string, error) {
	if payload == nil {
		return Fingerprint(FingerprintInput{Method: method, Path: path})
	}
	raw, err := canonicaljson.MarshalCanonical(payload)
	if err != nil {
		return "", ErrSerialization.WithCause(err)
	}
	return Fingerprint(FingerprintInput{Method: method, Path: path, Body: raw})
}

func writeSortedHeaders(buf *bytes.Buffer, headers map[string]string) {
	if len(headers) == 0 {
		buf.WriteString("{}")
		return
	}
	keys := make([]string, 0, len(headers))
	lowered := make(map[string]string, len(headers))
	for k, v := range headers {
		lk := strings.ToLower(k)
		lowered[lk] = v
		keys = append(keys, lk)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		writeJSONString(buf, lowered[k])
	}
	buf.WriteByte('}')
}

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.Write(appendJSONString(nil, s))
}

// appendJSONString 按标准 JSON 规则转义并追加一个字符串字面量。
func appendJSONString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			dst = append(dst, '\\', '"')
		case c == '\\':
			dst = append(dst, '\\', '\\')
		case c == '\n':
			dst = append(dst, '\\', 'n')
		case c == '\r':
			dst = append(dst, '\\', 'r')
		case c == '\t':
			dst = append(dst, '\\', 't')
		case c < 0x20:
			dst = append(dst, '\\', 'u', '0', '0', hexDigit(c>>4), hexDigit(c&0xf))
		default:
			dst = append(dst, c)
		}
	}
	return append(dst, '"')
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}

// ExpiryFrom 计算过期时刻；ttl <= 0 时取 fallback。
func ExpiryFrom(now time.Time, ttl, fallback time.Duration) time.Time {
	if ttl <= 0 {
		ttl = fallback
	}
	return now.Add(ttl)
}
