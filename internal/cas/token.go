package cas

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// tokenSegments is the number of "::"-separated parts of the decoded
// mobile launch payload. The bearer token is the middle one.
const tokenSegments = 3

// ExtractToken reads the token parameter of a mobile launch redirect
// target, decodes it and returns the sanitized bearer token.
//
// The launch endpoint redirects to "<scheme>://token=<base64>", but a
// regular "?token=" query form is accepted as well.
func ExtractToken(location string) (string, error) {
	raw, ok := tokenParam(location)
	if !ok {
		return "", errors.New("redirect has no token parameter")
	}

	decoded, err := decodeBase64(raw)
	if err != nil {
		return "", fmt.Errorf("decode token payload: %w", err)
	}

	parts := strings.Split(decoded, "::")
	if len(parts) != tokenSegments {
		return "", fmt.Errorf("token payload has %d segments, want %d", len(parts), tokenSegments)
	}

	token := SanitizeToken(parts[1])
	if token == "" {
		return "", errors.New("token segment is empty")
	}
	return token, nil
}

// SanitizeToken trims whitespace and stray ':' from both ends.
func SanitizeToken(s string) string {
	return strings.Trim(s, " \t\r\n:")
}

func tokenParam(location string) (string, bool) {
	const key = "token="
	i, off := -1, 0
	for {
		j := strings.Index(location[off:], key)
		if j < 0 {
			return "", false
		}
		j += off
		// Must follow "://", "?" or "&" so "wstoken=" is not picked up.
		if j == 0 || strings.ContainsRune("?&/", rune(location[j-1])) {
			i = j
			break
		}
		off = j + len(key)
	}
	v := location[i+len(key):]
	if j := strings.IndexAny(v, "&#"); j >= 0 {
		v = v[:j]
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func decodeBase64(s string) (string, error) {
	// The payload may have been percent-encoded on the way ("%3D" padding).
	if u, err := url.PathUnescape(s); err == nil {
		s = u
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return string(b), nil
		}
		lastErr = err
	}
	return "", lastErr
}
