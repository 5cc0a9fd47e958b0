// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// ZAP SINK
// =============================================================================

// ZapSink writes entries as structured log records.
type ZapSink struct {
	Logger *zap.Logger
}

// Write logs e at info level, or warn for failures.
func (s ZapSink) Write(_ context.Context, e Entry) error {
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.Time("ts", e.Timestamp),
		zap.String("event_type", e.EventType),
		zap.String("user_id", e.UserID),
		zap.String("user_name", e.UserName),
		zap.String("session_id", e.SessionID),
		zap.Bool("success", e.Success),
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	for k, v := range e.Metadata {
		fields = append(fields, zap.String("md_"+k, v))
	}
	if e.Success {
		s.Logger.Info(e.Action, fields...)
	} else {
		s.Logger.Warn(e.Action, fields...)
	}
	return nil
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps entries in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Write appends e.
func (r *Recorder) Write(_ context.Context, e Entry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

// Entries returns a copy of what was recorded.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// =============================================================================
// FILE SINK
// =============================================================================

// DefaultMaxFileSize is the size at which the file sink rotates (10MB).
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// ErrClosed is returned by a closed FileSink.
var ErrClosed = errors.New("audit: sink closed")

// Redactor scrubs sensitive values from a rendered line.
type Redactor struct {
	Name    string
	Pattern *regexp.Regexp
	Replace string
}

// DefaultRedactors remove verification codes, backup codes and bearer tokens.
func DefaultRedactors() []Redactor {
	return []Redactor{
		{"BackupCode", regexp.MustCompile(`(^|[^0-9A-Za-z-])[0-9A-F]{4}-[0-9A-F]{4}([^0-9A-Za-z-]|$)`), "${1}[BACKUP_CODE_REDACTED]${2}"},
		{"OTP", regexp.MustCompile(`(?i)\b(code|pin|otp)=\d{4,8}\b`), "$1=[REDACTED]"},
		{"Bearer", regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-_.]+`), "Bearer [TOKEN_REDACTED]"},
		{"JWT", regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
		{"Secret", regexp.MustCompile(`(?i)secret=[A-Z2-7]{16,}`), "secret=[REDACTED]"},
	}
}

// FileSink appends redacted lines to a file and rotates it by size.
type FileSink struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	maxSize   int64
	redactors []Redactor
	now       func() time.Time
}

// NewFileSink opens path for appending, creating directories as needed.
func NewFileSink(path string, maxSize int64) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}
	return &FileSink{
		path:      path,
		file:      f,
		maxSize:   maxSize,
		redactors: DefaultRedactors(),
		now:       time.Now,
	}, nil
}

// AddRedactor appends a redactor.
func (s *FileSink) AddRedactor(r Redactor) {
	s.mu.Lock()
	s.redactors = append(s.redactors, r)
	s.mu.Unlock()
}

// Write appends the redacted line for e.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrClosed
	}
	line := e.Line()
	for _, r := range s.redactors {
		line = r.Pattern.ReplaceAllString(line, r.Replace)
	}
	if _, err := s.file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return s.rotateIfNeededLocked()
}

func (s *FileSink) rotateIfNeededLocked() error {
	if s.maxSize <= 0 {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil || info.Size() < s.maxSize {
		return nil
	}
	return s.rotateLocked()
}

// Rotate moves the current file aside with a timestamp suffix.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *FileSink) rotateLocked() error {
	if s.file == nil {
		return ErrClosed
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}

	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	rotated := fmt.Sprintf("%s_%s%s", base, s.now().Format("20060102_150405.000"), ext)

	renameErr := os.Rename(s.path, rotated)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		s.file = nil
		return fmt.Errorf("failed to reopen audit log after rotation: %w", err)
	}
	s.file = f
	if renameErr != nil {
		return fmt.Errorf("failed to rotate audit log: %w", renameErr)
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	s.file = nil
	return errors.Join(syncErr, closeErr)
}
