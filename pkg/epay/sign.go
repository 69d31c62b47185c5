package epay

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	SignTypeMD5 = "MD5"

	paramSign     = "sign"
	paramSignType = "sign_type"
)

// Sign computes the provider signature: md5 over the non-empty params, sorted
// by key, joined as k=v&k=v, with the merchant key appended.
func Sign(params map[string]string, merchantKey string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if k == paramSign || k == paramSignType || v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(merchantKey)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifySign reports whether params carry a valid signature for merchantKey.
func VerifySign(params map[string]string, merchantKey string) bool {
	got := strings.ToLower(strings.TrimSpace(params[paramSign]))
	if got == "" {
		return false
	}
	want := Sign(params, merchantKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
