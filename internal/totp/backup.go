// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package totp

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/width"
)

// BackupCodeCount is the number of recovery codes per enrollment.
const BackupCodeCount = 10

var backupCodePattern = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)

// GenerateBackupCodes returns BackupCodeCount codes formatted XXXX-XXXX,
// each from four random bytes. r may be nil to use crypto/rand.
func GenerateBackupCodes(r io.Reader) ([]string, error) {
	if r == nil {
		r = rand.Reader
	}
	codes := make([]string, 0, BackupCodeCount)
	buf := make([]byte, 4)
	for len(codes) < BackupCodeCount {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("totp: backup code entropy: %w", err)
		}
		h := strings.ToUpper(hex.EncodeToString(buf))
		codes = append(codes, h[:4]+"-"+h[4:])
	}
	return codes, nil
}

// IsBackupCode reports whether s has the XXXX-XXXX shape.
func IsBackupCode(s string) bool {
	return backupCodePattern.MatchString(s)
}

// NormalizeBackupCode upper-cases, narrows and re-inserts the hyphen.
func NormalizeBackupCode(s string) (string, bool) {
	s = strings.ToUpper(width.Narrow.String(strings.TrimSpace(s)))
	s = strings.ReplaceAll(strings.ReplaceAll(s, "-", ""), " ", "")
	if len(s) != 8 {
		return "", false
	}
	s = s[:4] + "-" + s[4:]
	return s, IsBackupCode(s)
}

// HashBackupCode returns a bcrypt hash for callers that persist codes.
func HashBackupCode(code string) (string, error) {
	norm, ok := NormalizeBackupCode(code)
	if !ok {
		return "", fmt.Errorf("totp: malformed backup code")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(norm), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("totp: hash backup code: %w", err)
	}
	return string(h), nil
}

// CheckBackupCode reports whether code matches hash.
func CheckBackupCode(hash, code string) bool {
	norm, ok := NormalizeBackupCode(code)
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(norm)) == nil
}

// ExportBackupCodes renders the downloadable plaintext file.
func ExportBackupCodes(issuer, account string, codes []string, generated time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s recovery codes\n", issuer)
	fmt.Fprintf(&b, "Account: %s\n", account)
	fmt.Fprintf(&b, "Generated: %s\n\n", generated.UTC().Format(time.RFC3339))
	b.WriteString("Each code can be used once. Store this file offline.\n\n")
	for i, c := range codes {
		fmt.Fprintf(&b, "%2d. %s\n", i+1, c)
	}
	return b.Bytes()
}
