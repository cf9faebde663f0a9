package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// VerifyMetaSignature checks a Meta/WhatsApp `X-Hub-Signature-256` header
// (format "sha256=<hex>") against body, HMAC-SHA256 keyed by appSecret,
// constant-time compared.
func VerifyMetaSignature(body []byte, header, appSecret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	return hmac.Equal(want, hmacSHA256(body, appSecret))
}

// VerifyLineSignature checks a LINE `X-Line-Signature` header (base64 of
// HMAC-SHA256 keyed by the channel secret) against body.
func VerifyLineSignature(body []byte, header, channelSecret string) bool {
	want, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(want, hmacSHA256(body, channelSecret))
}

// VerifyViberSignature checks a Viber `X-Viber-Content-Signature` header
// (hex-encoded HMAC-SHA256 keyed by the auth token) against body.
func VerifyViberSignature(body []byte, header, authToken string) bool {
	want, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	return hmac.Equal(want, hmacSHA256(body, authToken))
}

// VerifyCustomSignature checks a custom adapter's `X-API-Key` or
// `Authorization: Bearer <key>` header against the configured key by
// constant-time equality.
func VerifyCustomSignature(header, configuredKey string) bool {
	value := header
	if strings.HasPrefix(header, "Bearer ") {
		value = strings.TrimPrefix(header, "Bearer ")
	}
	return hmac.Equal([]byte(value), []byte(configuredKey))
}

func hmacSHA256(body []byte, key string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return mac.Sum(nil)
}
