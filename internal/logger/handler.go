// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// severityHandler is a slog.Handler that renders either
//
//	time="02/01/2006 15:04:05.000000" severity=INFO message="prefix: text"
//
// or, in json mode, a nested-timestamp object matching the wire shape the
// guest-facing log shippers expect:
//
//	{"timestamp":{"seconds":1700000000,"nanos":123000},"severity":"INFO","message":"prefix: text"}
//
// Attrs attached via WithAttrs are appended to the message as key=value
// pairs; groups are not supported since no call site in this package nests
// attrs into groups.
type severityHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  *slog.LevelVar
	prefix string
	attrs  []slog.Attr
	json   bool
}

func newSeverityHandler(w io.Writer, level *slog.LevelVar, prefix string, jsonFormat bool) *severityHandler {
	return &severityHandler{
		mu:     &sync.Mutex{},
		w:      w,
		level:  level,
		prefix: prefix,
		json:   jsonFormat,
	}
}

func (h *severityHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *severityHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message
	if h.prefix != "" {
		message = h.prefix + message
	}
	r.Attrs(func(a slog.Attr) bool {
		message += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})
	for _, a := range h.attrs {
		message += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}

	severity := severityName(r.Level)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.json {
		_, err := fmt.Fprintf(h.w, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
			r.Time.Unix(), r.Time.Nanosecond(), severity, message)
		return err
	}

	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("02/01/2006 15:04:05.000000"), severity, message)
	return err
}

func (h *severityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *severityHandler) WithGroup(_ string) slog.Handler {
	return h
}

var _ slog.Handler = (*severityHandler)(nil)
