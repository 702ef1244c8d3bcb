package codec

import "encoding/base64"

// EncodeBase64 encodes b using the URL-safe alphabet with padding.
func EncodeBase64(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes s using the URL-safe alphabet, accepting input with
// or without trailing padding.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
