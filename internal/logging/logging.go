/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging is the internal leveled logger shared by all chardev
// packages. The level can be set programmatically, from the device debug
// level, or through the CHARDEV_LOG_LEVEL environment variable.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Logger writes color-prefixed leveled records with caller location.
type Logger struct {
	name      string
	out       io.Writer
	callDepth int
}

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	levelNoPrint
)

var (
	level int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	atomic.StoreInt32(&level, LevelWarn)
	if v := os.Getenv("CHARDEV_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n <= levelNoPrint {
			atomic.StoreInt32(&level, int32(n))
		}
	}
}

// SetLogLevel changes the process-wide log level. The default is Warn.
// The env `CHARDEV_LOG_LEVEL` also sets it at startup.
func SetLogLevel(l int) {
	if l <= levelNoPrint {
		atomic.StoreInt32(&level, int32(l))
	}
}

// SetDebugLevel maps a device debug level (0-3) onto the logger level:
// 0 prints errors only, 1 adds info, 2 adds debug, 3 adds trace.
func SetDebugLevel(d int) {
	switch {
	case d <= 0:
		SetLogLevel(LevelError)
	case d == 1:
		SetLogLevel(LevelInfo)
	case d == 2:
		SetLogLevel(LevelDebug)
	default:
		SetLogLevel(LevelTrace)
	}
}

// New creates a named logger writing to out (os.Stdout when nil).
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{
		name:      name,
		out:       out,
		callDepth: 4,
	}
}

func enabled(l int) bool {
	return atomic.LoadInt32(&level) <= int32(l)
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	if !enabled(LevelError) {
		return
	}
	l.emit(LevelError, format, a...)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	if !enabled(LevelWarn) {
		return
	}
	l.emit(LevelWarn, format, a...)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	if !enabled(LevelInfo) {
		return
	}
	l.emit(LevelInfo, format, a...)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	if !enabled(LevelDebug) {
		return
	}
	l.emit(LevelDebug, format, a...)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	if !enabled(LevelTrace) {
		return
	}
	l.emit(LevelTrace, format, a...)
}

func (l *Logger) emit(lv int, format string, a ...interface{}) {
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+reset+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "logging emit failed: %v\n", err)
	}
}

func (l *Logger) prefix(lv int) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[lv])
	_, _ = buf.WriteString(levelName[lv])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.location())
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(l.name)
	_ = buf.WriteByte(' ')
	return buf.String()
}

func (l *Logger) location() string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
