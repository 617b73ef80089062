package utils

import "time"

// time.go - утилиты времени для замеров латентности и uptime

// DurationMillis переводит длительность в миллисекунды с дробной частью
// (для полей latency_ms и гистограмм)
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// ElapsedMillis - целое число миллисекунд между start и end (не меньше 0)
func ElapsedMillis(start, end time.Time) int64 {
	ms := end.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// FormatUptime форматирует uptime с точностью до секунды
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "72h0m0s"
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	return d.Truncate(time.Second).String()
}
