package content

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/matthewtrundle/BloomMac-sub009/internal/domain"
)

// UnsubscribeLinker builds and verifies signed one-click unsubscribe links.
type UnsubscribeLinker struct {
	baseURL string
	key     []byte
}

// NewUnsubscribeLinker signs links with signingKey. baseURL is the public
// site root, for example https://bloompsychologynorthaustin.com.
func NewUnsubscribeLinker(baseURL, signingKey string) *UnsubscribeLinker {
	return &UnsubscribeLinker{baseURL: strings.TrimRight(baseURL, "/"), key: []byte(signingKey)}
}

// URL returns {base}/unsubscribe?email=...&token=... for email.
func (l *UnsubscribeLinker) URL(email string) string {
	q := url.Values{}
	q.Set("email", email)
	q.Set("token", sign(l.key, email))
	return l.baseURL + "/unsubscribe?" + q.Encode()
}

// Verify checks token against email in constant time.
func (l *UnsubscribeLinker) Verify(email, token string) bool {
	return VerifyUnsubscribeToken(l.key, email, token)
}

// VerifyUnsubscribeToken reports whether token is the signature of email
// under key. Addresses are compared case-insensitively.
func VerifyUnsubscribeToken(key []byte, email, token string) bool {
	if email == "" || token == "" {
		return false
	}
	return hmac.Equal([]byte(sign(key, email)), []byte(token))
}

// sign is the first 16 hex chars of HMAC-SHA256 over the normalized address.
func sign(key []byte, email string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(domain.NormalizeEmail(email)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
