package logger

import "strings"

// LegacyPrintf 以命名日志器输出 printf 风格的单行日志。
//
// 幂等子系统的审计与指标行（[IdempotencyAudit] / [IdempotencyMetric]）沿用
// key=value 文本格式，便于脚本直接 grep，这里统一走 info 级别。
func LegacyPrintf(component, format string, args ...any) {
	component = strings.TrimSpace(component)
	l := S()
	if component != "" {
		l = l.Named(component)
	}
	l.Infof(format, args...)
}
