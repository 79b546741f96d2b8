package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pliu/groupsync/internal/apperr"
)

// Signer issues and verifies session tokens of the form
// base64(userID.expiry)|base64(hmac).
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (s *Signer) sign(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// Issue creates a token for userID valid for the signer's TTL.
func (s *Signer) Issue(userID string) string {
	value := fmt.Sprintf("%s.%d", userID, s.now().Add(s.ttl).Unix())
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.sign(value)))
}

// Verify returns the user id carried by token. Every failure is reported as
// apperr.ErrNotAuthenticated.
func (s *Signer) Verify(token string) (string, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid token format", apperr.ErrNotAuthenticated)
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: invalid value encoding", apperr.ErrNotAuthenticated)
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: invalid signature encoding", apperr.ErrNotAuthenticated)
	}
	if !hmac.Equal(signature, s.sign(value)) {
		return "", fmt.Errorf("%w: invalid signature", apperr.ErrNotAuthenticated)
	}

	dot := strings.LastIndexByte(value, '.')
	if dot <= 0 {
		return "", fmt.Errorf("%w: malformed token", apperr.ErrNotAuthenticated)
	}
	exp, err := strconv.ParseInt(value[dot+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: malformed expiry", apperr.ErrNotAuthenticated)
	}
	if s.now().Unix() >= exp {
		return "", fmt.Errorf("%w: token expired", apperr.ErrNotAuthenticated)
	}
	return value[:dot], nil
}
