package authflow

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestDPoPKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := NewDPoPKey()
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	encoded, encodeErr := EncodeDPoPKey(key)
	if encodeErr != nil {
		t.Fatalf("encode error: %v", encodeErr)
	}
	decoded, decodeErr := DecodeDPoPKey(encoded)
	if decodeErr != nil {
		t.Fatalf("decode error: %v", decodeErr)
	}
	if decoded.D.Cmp(key.D) != 0 {
		t.Fatalf("expected identical private scalar after round trip")
	}
}

func TestDecodeDPoPKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := DecodeDPoPKey("not base64!!"); err == nil {
		t.Fatalf("expected error for malformed encoding")
	}
	if _, err := DecodeDPoPKey(base64.RawURLEncoding.EncodeToString([]byte("not a key"))); err == nil {
		t.Fatalf("expected error for non-key bytes")
	}
}

func TestSignDPoPProofCarriesClaimsAndHeader(t *testing.T) {
	t.Parallel()

	key, err := NewDPoPKey()
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	issuedAt := time.Unix(1700000000, 0).UTC()

	proof, signErr := SignDPoPProof(key, "POST", "https://auth.example/token?foo=bar", "server-nonce", "access-token", issuedAt)
	if signErr != nil {
		t.Fatalf("sign error: %v", signErr)
	}

	parsed, parseErr := jwt.Parse(proof, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if parseErr != nil || !parsed.Valid {
		t.Fatalf("expected valid proof, got %v", parseErr)
	}

	if typ, _ := parsed.Header["typ"].(string); typ != "dpop+jwt" {
		t.Fatalf("expected typ dpop+jwt, got %v", parsed.Header["typ"])
	}
	if _, hasJWK := parsed.Header["jwk"]; !hasJWK {
		t.Fatalf("expected embedded jwk header")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("expected map claims")
	}
	if claims["htm"] != "POST" {
		t.Fatalf("expected htm POST, got %v", claims["htm"])
	}
	if claims["htu"] != "https://auth.example/token" {
		t.Fatalf("expected htu without query, got %v", claims["htu"])
	}
	if claims["nonce"] != "server-nonce" {
		t.Fatalf("expected nonce claim, got %v", claims["nonce"])
	}
	expectedHash := sha256.Sum256([]byte("access-token"))
	if claims["ath"] != base64.RawURLEncoding.EncodeToString(expectedHash[:]) {
		t.Fatalf("expected ath bound to access token, got %v", claims["ath"])
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Fatalf("expected non-empty jti")
	}
}

func TestSignDPoPProofOmitsOptionalClaims(t *testing.T) {
	t.Parallel()

	key, err := NewDPoPKey()
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}

	proof, signErr := SignDPoPProof(key, "GET", "https://pds.example/xrpc/com.atproto.repo.listRecords", "", "", time.Unix(1700000000, 0))
	if signErr != nil {
		t.Fatalf("sign error: %v", signErr)
	}

	parsed, parseErr := jwt.Parse(proof, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if parseErr != nil {
		t.Fatalf("parse error: %v", parseErr)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if _, hasNonce := claims["nonce"]; hasNonce {
		t.Fatalf("expected no nonce claim")
	}
	if _, hasAth := claims["ath"]; hasAth {
		t.Fatalf("expected no ath claim")
	}
}
