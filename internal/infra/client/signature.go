package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/petgourmet/storefront-api/internal/domain"
)

// SignatureManifest builds the string MercadoPago signs for a notification.
// Alphanumeric data ids are lowercased before signing.
func SignatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		fmt.Fprintf(&b, "id:%s;", strings.ToLower(dataID))
	}
	if requestID != "" {
		fmt.Fprintf(&b, "request-id:%s;", requestID)
	}
	if ts != "" {
		fmt.Fprintf(&b, "ts:%s;", ts)
	}
	return b.String()
}

// SignManifest returns the hex HMAC-SHA256 of manifest keyed by secret.
func SignManifest(secret, manifest string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the x-signature header ("ts=...,v1=...") of a
// webhook delivery. An empty secret disables verification.
func VerifySignature(secret, xSignature, xRequestID, dataID string) error {
	if secret == "" {
		return nil
	}
	if xSignature == "" {
		return &domain.ErrInvalidSignature{Reason: "missing x-signature header"}
	}

	var ts, v1 string
	for _, part := range strings.Split(xSignature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return &domain.ErrInvalidSignature{Reason: "malformed x-signature header"}
	}

	expected := SignManifest(secret, SignatureManifest(dataID, xRequestID, ts))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return &domain.ErrInvalidSignature{Reason: "digest mismatch"}
	}
	return nil
}
