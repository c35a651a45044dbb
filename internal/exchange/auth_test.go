package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func newTestAuth() *Auth {
	a := NewAuth("test-access", "test-secret")
	a.nonceFn = func() string { return "fixed-nonce" }
	return a
}

func parseClaims(t *testing.T, bearer string) jwt.MapClaims {
	t.Helper()
	raw := strings.TrimPrefix(bearer, "Bearer ")
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte("test-secret"), nil
	})
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	return claims
}

func TestTokenWithoutParams(t *testing.T) {
	t.Parallel()
	a := newTestAuth()

	bearer, err := a.Token(nil)
	if err != nil {
		t.Fatal(err)
	}
	claims := parseClaims(t, bearer)

	if claims["access_key"] != "test-access" {
		t.Errorf("access_key = %v", claims["access_key"])
	}
	if claims["nonce"] != "fixed-nonce" {
		t.Errorf("nonce = %v", claims["nonce"])
	}
	if _, present := claims["query_hash"]; present {
		t.Error("query_hash must be absent for parameterless requests")
	}
}

func TestTokenQueryHash(t *testing.T) {
	t.Parallel()
	a := newTestAuth()

	params := url.Values{}
	params.Set("market", "KRW-BTC")
	params.Set("count", "200")

	bearer, err := a.Token(params)
	if err != nil {
		t.Fatal(err)
	}
	claims := parseClaims(t, bearer)

	// Canonical form is key-sorted and unescaped.
	sum := sha512.Sum512([]byte("count=200&market=KRW-BTC"))
	want := hex.EncodeToString(sum[:])
	if claims["query_hash"] != want {
		t.Errorf("query_hash = %v, want %v", claims["query_hash"], want)
	}
	if claims["query_hash_alg"] != "SHA512" {
		t.Errorf("query_hash_alg = %v", claims["query_hash_alg"])
	}
}

func TestTokenRequiresCredentials(t *testing.T) {
	t.Parallel()
	a := NewAuth("", "")
	if _, err := a.Token(nil); err == nil {
		t.Error("expected error without credentials")
	}
}
