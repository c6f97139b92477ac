package handler

import (
	"encoding/json"
	"io"
	"time"
)

// AccessLog is one JSON line per HTTP request.
type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Route        string    `json:"route,omitempty"`
	CacheHit     bool      `json:"cache_hit"`
	Attempts     int       `json:"attempts"`
	BytesWritten int64     `json:"bytes_written"`
}

func (a *AccessLog) fields() map[string]any {
	return map[string]any{
		"time":          a.Time,
		"request_id":    a.RequestID,
		"method":        a.Method,
		"path":          a.Path,
		"protocol":      a.Protocol,
		"status":        a.Status,
		"duration_ms":   a.Duration,
		"remote_ip":     a.RemoteIP,
		"user_agent":    a.UserAgent,
		"referer":       a.Referer,
		"route":         a.Route,
		"cache_hit":     a.CacheHit,
		"attempts":      a.Attempts,
		"bytes_written": a.BytesWritten,
	}
}

// encode writes the entry, restricted to fields when any are given.
// Unknown field names are ignored.
func (a *AccessLog) encode(w io.Writer, fields []string) error {
	var out any = a
	if len(fields) > 0 {
		all := a.fields()
		m := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := all[f]; ok {
				m[f] = v
			}
		}
		out = m
	}
	return json.NewEncoder(w).Encode(out)
}
