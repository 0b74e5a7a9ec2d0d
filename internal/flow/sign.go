package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// SignatureParam is the form/query field that carries the request signature.
const SignatureParam = "s"

// SigningString concatenates every parameter except the signature as
// key+value, with keys in ascending byte order and no separators.
// Only the first value of a repeated key takes part.
func SigningString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == SignatureParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params.Get(k))
	}
	return b.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of SigningString(params).
func Sign(params url.Values, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(SigningString(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether params carries a valid signature for secretKey.
func Verify(params url.Values, secretKey string) bool {
	got := params.Get(SignatureParam)
	if got == "" || secretKey == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(params, secretKey)), []byte(strings.ToLower(got)))
}

// Signed returns a copy of params with apiKey set and the signature appended.
func Signed(params url.Values, apiKey, secretKey string) url.Values {
	out := make(url.Values, len(params)+2)
	for k, v := range params {
		if k == SignatureParam {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	out.Set("apiKey", apiKey)
	out.Set(SignatureParam, Sign(out, secretKey))
	return out
}
