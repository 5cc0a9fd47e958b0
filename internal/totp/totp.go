// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package totp implements authenticator-app enrollment for administrators.
//
// Enrollment runs setup -> verify -> backup. Setup always draws a fresh
// 160-bit secret, verify accepts a code within two 30-second steps of the
// current time, and backup produces ten single-use recovery codes that are
// shown once and never leave the client through this package.
package totp

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	gotp "github.com/pquerna/otp/totp"
	"golang.org/x/text/width"
)

const (
	// SecretSize is the secret length in bytes (160 bits).
	SecretSize = 20

	// Period is the time step in seconds.
	Period = 30

	// Digits is the code length.
	Digits = 6

	// Skew is the number of steps accepted on either side of now.
	Skew = 2
)

var (
	// ErrInvalidIssuer is returned when the issuer or account label is empty
	// or contains a colon.
	ErrInvalidIssuer = errors.New("totp: invalid issuer or account label")
)

var validateOpts = gotp.ValidateOpts{
	Period:    Period,
	Skew:      Skew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// GenerateSecret returns a new base32 secret bound to issuer and account.
// rand may be nil to use crypto/rand.
func GenerateSecret(issuer, account string, rand io.Reader) (string, error) {
	if err := checkLabel(issuer, account); err != nil {
		return "", err
	}
	key, err := gotp.Generate(gotp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		SecretSize:  SecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rand,
	})
	if err != nil {
		return "", fmt.Errorf("totp: generate secret: %w", err)
	}
	return key.Secret(), nil
}

// URI builds the otpauth:// enrollment URI with parameters in the order
// authenticator apps have been tested against.
func URI(issuer, account, secret string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	iss := strings.ReplaceAll(url.QueryEscape(issuer), "+", "%20")
	return "otpauth://totp/" + label +
		"?secret=" + secret +
		"&issuer=" + iss +
		"&algorithm=SHA1" +
		fmt.Sprintf("&digits=%d&period=%d", Digits, Period)
}

// QRCode renders uri as a QR image.
func QRCode(uri string, size int) (image.Image, error) {
	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return nil, fmt.Errorf("totp: parse uri: %w", err)
	}
	img, err := key.Image(size, size)
	if err != nil {
		return nil, fmt.Errorf("totp: render qr: %w", err)
	}
	return img, nil
}

// QRCodePNG renders uri as PNG bytes.
func QRCodePNG(uri string, size int) ([]byte, error) {
	img, err := QRCode(uri, size)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("totp: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Validate reports whether code matches secret at t within the skew window.
func Validate(code, secret string, t time.Time) bool {
	code, ok := NormalizeCode(code)
	if !ok {
		return false
	}
	valid, err := gotp.ValidateCustom(code, secret, t, validateOpts)
	return err == nil && valid
}

// Code returns the code for secret at t. Used by tests and by tooling that
// provisions service accounts.
func Code(secret string, t time.Time) (string, error) {
	return gotp.GenerateCodeCustom(secret, t, validateOpts)
}

// NormalizeCode narrows full-width digits and drops spaces and hyphens.
// ok is false unless exactly six ASCII digits remain.
func NormalizeCode(code string) (string, bool) {
	code = width.Narrow.String(code)
	var b strings.Builder
	for _, r := range code {
		switch {
		case r == ' ' || r == '-' || r == '\t':
			continue
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	out := b.String()
	if len(out) != Digits {
		return "", false
	}
	return out, true
}

func checkLabel(issuer, account string) error {
	if strings.TrimSpace(issuer) == "" || strings.TrimSpace(account) == "" ||
		strings.Contains(issuer, ":") || strings.Contains(account, ":") {
		return ErrInvalidIssuer
	}
	return nil
}
