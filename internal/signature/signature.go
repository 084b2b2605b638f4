// Package signature implements the two HMAC disciplines used at the
// service boundary: the chat platform signs the raw request body and sends
// base64; the document-processing service signs a canonical (sorted-key,
// no-whitespace) rendering of the JSON payload and sends "sha256=<hex>".
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// ValidPlatformSignature checks the X-Platform-Signature header:
// base64(HMAC-SHA256(channel secret, raw body)). A missing header is
// always invalid. Never returns an error: bad input is just "invalid".
func ValidPlatformSignature(secret string, body []byte, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// ValidCallbackSignature checks the X-Webhook-Signature header:
// "sha256=" + hex(HMAC-SHA256(secret, canonical JSON of body)).
// The sender serializes with sorted keys and no extra whitespace, so the
// body is re-canonicalized before comparing.
func ValidCallbackSignature(secret string, body []byte, header string) bool {
	if header == "" || secret == "" {
		return false
	}
	canonical, err := CanonicalJSON(body)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// CanonicalJSON re-marshals a JSON document with object keys sorted and no
// insignificant whitespace, byte-for-byte what the sender signs: "&", "<"
// and ">" stay literal and every rune above 0x7F becomes a lowercase
// \uXXXX escape (surrogate pairs beyond the BMP). UseNumber keeps numeric
// literals exactly as sent so float formatting cannot drift.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return escapeNonASCII(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

func escapeNonASCII(in []byte) []byte {
	ascii := true
	for _, b := range in {
		if b >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		return in
	}

	var out bytes.Buffer
	out.Grow(len(in))
	for _, r := range string(in) {
		switch {
		case r < utf8.RuneSelf:
			out.WriteByte(byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}
