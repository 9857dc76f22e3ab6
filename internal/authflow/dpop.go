package authflow

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NewDPoPKey generates the P-256 key that binds a token set to this client.
func NewDPoPKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("authflow.dpop.generate: %w", err)
	}
	return key, nil
}

// EncodeDPoPKey serializes the private key for persistence in a token set.
func EncodeDPoPKey(key *ecdsa.PrivateKey) (string, error) {
	raw, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("authflow.dpop.encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeDPoPKey restores a private key serialized by EncodeDPoPKey.
func DecodeDPoPKey(encoded string) (*ecdsa.PrivateKey, error) {
	raw, decodeErr := base64.RawURLEncoding.DecodeString(encoded)
	if decodeErr != nil {
		return nil, fmt.Errorf("authflow.dpop.decode: %w", decodeErr)
	}
	key, parseErr := x509.ParseECPrivateKey(raw)
	if parseErr != nil {
		return nil, fmt.Errorf("authflow.dpop.decode: %w", parseErr)
	}
	return key, nil
}

// SignDPoPProof mints the per-request proof JWT. The nonce is included when
// the server has supplied one, and accessToken binds the proof to the token
// via the ath claim when set.
func SignDPoPProof(key *ecdsa.PrivateKey, method string, requestURL string, nonce string, accessToken string, now time.Time) (string, error) {
	jti, jtiErr := randomToken(16)
	if jtiErr != nil {
		return "", fmt.Errorf("authflow.dpop.sign: %w", jtiErr)
	}
	claims := jwt.MapClaims{
		"jti": jti,
		"htm": method,
		"htu": stripQueryAndFragment(requestURL),
		"iat": now.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = publicJWK(key)
	signed, signErr := token.SignedString(key)
	if signErr != nil {
		return "", fmt.Errorf("authflow.dpop.sign: %w", signErr)
	}
	return signed, nil
}

func publicJWK(key *ecdsa.PrivateKey) map[string]string {
	coordinateSize := (key.Curve.Params().BitSize + 7) / 8
	return map[string]string{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(key.PublicKey.X.FillBytes(make([]byte, coordinateSize))),
		"y":   base64.RawURLEncoding.EncodeToString(key.PublicKey.Y.FillBytes(make([]byte, coordinateSize))),
	}
}

func stripQueryAndFragment(requestURL string) string {
	parsed, err := url.Parse(requestURL)
	if err != nil {
		return requestURL
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}

func randomToken(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
