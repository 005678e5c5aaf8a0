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

package cfg

import (
	"fmt"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as file-mode and dir-mode that
// accept a base-8 value (e.g. "0755").
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity represents the logging severity and can accept the following
// values: "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF".
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank, used to
// decide whether a given log line should be emitted. Returns -1 if the
// severity is unrecognized.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// CachePolicy controls how aggressively the kernel is told it may cache
// attributes and directory entries for this mount (§6).
type CachePolicy string

const (
	CacheNever  CachePolicy = "never"
	CacheAuto   CachePolicy = "auto"
	CacheAlways CachePolicy = "always"
)

func (p *CachePolicy) UnmarshalText(text []byte) error {
	v := CachePolicy(strings.ToLower(string(text)))
	switch v {
	case CacheNever, CacheAuto, CacheAlways:
		*p = v
		return nil
	default:
		return fmt.Errorf("invalid cache-policy: %s. Must be one of [never, auto, always]", text)
	}
}

// LayerList is an ordered list of absolute host directory paths, index 0
// being the bottom (most read-only) layer and the last entry the top
// (writable) layer. See spec §6: 1 <= len <= 128.
type LayerList []string

func (l *LayerList) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ":")
	layers := make(LayerList, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		layers = append(layers, p)
	}
	*l = layers
	return nil
}
