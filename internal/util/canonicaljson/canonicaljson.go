// Package canonicaljson 将任意 JSON 文档归一化为确定性的字节序列。
//
// 归一化规则：对象键按码点升序排序；数组保持原有顺序；字符串使用标准
// JSON 转义；数字输出最短可往返十进制形式；null/true/false 按字面量输出。
// 同一文档无论键的枚举顺序如何，归一化结果完全一致，可直接作为哈希输入。
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Canonicalize 归一化一段 JSON 文档。输入不是合法 JSON 时返回错误。
func Canonicalize(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("canonicaljson: invalid json document")
	}
	var buf bytes.Buffer
	writeCanonical(&buf, gjson.ParseBytes(raw))
	return buf.Bytes(), nil
}

// MarshalCanonical 先用 encoding/json 序列化任意 Go 值，再归一化。
// time.Time 经 normalizeValue 统一转为 UTC，避免时区差异影响哈希。
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(normalizeValue(v))
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

// FormatTime 输出 ISO-8601 UTC（毫秒精度），用于参与指纹的时间戳字段。
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func normalizeValue(v any) any {
	switch tv := v.(type) {
	case time.Time:
		return FormatTime(tv)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return FormatTime(*tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func writeCanonical(buf *bytes.Buffer, result gjson.Result) {
	switch result.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.String:
		writeString(buf, result.Str)
	case gjson.Number:
		writeNumber(buf, result)
	case gjson.JSON:
		if result.IsArray() {
			buf.WriteByte('[')
			first := true
			result.ForEach(func(_, item gjson.Result) bool {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				writeCanonical(buf, item)
				return true
			})
			buf.WriteByte(']')
			return
		}

		type member struct {
			key   string
			value gjson.Result
		}
		members := make([]member, 0, 8)
		result.ForEach(func(key, value gjson.Result) bool {
			members = append(members, member{key: key.Str, value: value})
			return true
		})
		// 码点序排序；重复键保留最后一次出现（与多数解析器的覆盖语义一致）。
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].key < members[j].key
		})
		deduped := members[:0]
		for i, m := range members {
			if i+1 < len(members) && members[i+1].key == m.key {
				continue
			}
			deduped = append(deduped, m)
		}

		buf.WriteByte('{')
		for i, m := range deduped {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, m.key)
			buf.WriteByte(':')
			writeCanonical(buf, m.value)
		}
		buf.WriteByte('}')
	}
}

func writeString(buf *bytes.Buffer, s string) {
	encoded, _ := json.Marshal(s)
	buf.Write(encoded)
}

func writeNumber(buf *bytes.Buffer, result gjson.Result) {
	raw := strings.TrimSpace(result.Raw)
	// 规范整数字面量且在 int64 范围内时原样保留，避免大整数经 float64 丢失精度。
	if isCanonicalInt(raw) {
		if _, err := strconv.ParseInt(raw, 10, 64); err == nil {
			buf.WriteString(raw)
			return
		}
	}
	buf.WriteString(strconv.FormatFloat(result.Num, 'g', -1, 64))
}

func isCanonicalInt(raw string) bool {
	s := strings.TrimPrefix(raw, "-")
	if s == "" || s == "0" && raw == "-0" {
		return false
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
