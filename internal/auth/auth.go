// Package auth verifies wallet-signature logins and manages the session
// cookie that gates the settlement endpoints.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

const CookieName = "eb_auth"

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidSession   = errors.New("invalid session")
)

// VerifyPersonalSign checks an EIP-191 personal-sign signature over message
// against the claimed address.
func VerifyPersonalSign(address, message, signature string) error {
	if !common.IsHexAddress(address) {
		return ErrInvalidSignature
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	// Wallets produce V as 27/28; go-ethereum wants 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrInvalidSignature
	}
	return nil
}

// Sessions issues and verifies the opaque session tokens carried by the
// auth cookie.
type Sessions struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (s *Sessions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Sessions) Issue(address string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   common.HexToAddress(address).Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
}

// Verify returns the wallet address a valid token was issued for.
func (s *Sessions) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSession
		}
		return s.Secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidSession
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	if claims.Subject == "" {
		return "", ErrInvalidSession
	}
	return claims.Subject, nil
}

type contextKey struct{}

// Address returns the authenticated wallet address, if the request passed
// the session middleware.
func Address(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(contextKey{}).(string)
	return addr, ok
}

// Middleware rejects requests without a valid session cookie and threads the
// authenticated address through the request context.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(CookieName)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		addr, err := s.Verify(cookie.Value)
		if err != nil {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, addr)))
	})
}
