package sessionkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingSealKey indicates the cookie store was constructed without key material.
var ErrMissingSealKey = errors.New("session.store.missing_seal_key")

// SessionRecord is the payload sealed inside the session cookie.
type SessionRecord struct {
	Identity string `json:"identity,omitempty"`
}

// IsAnonymous reports whether the record carries no signed-in identity.
func (record SessionRecord) IsAnonymous() bool {
	return record.Identity == ""
}

// CookieStore seals session records into opaque, tamper-evident cookie values.
// There is no server-side session table: every request decodes its own cookie,
// so concurrent requests share no mutable session state.
type CookieStore struct {
	aead cipher.AEAD
}

// NewCookieStore derives an AES-256-GCM sealer from the supplied key material.
func NewCookieStore(sealKey []byte) (*CookieStore, error) {
	if len(sealKey) == 0 {
		return nil, fmt.Errorf("session.store.new: %w", ErrMissingSealKey)
	}
	derivedKey := sha256.Sum256(sealKey)
	block, cipherErr := aes.NewCipher(derivedKey[:])
	if cipherErr != nil {
		return nil, fmt.Errorf("session.store.new: %w", cipherErr)
	}
	aead, aeadErr := cipher.NewGCM(block)
	if aeadErr != nil {
		return nil, fmt.Errorf("session.store.new: %w", aeadErr)
	}
	return &CookieStore{aead: aead}, nil
}

// Save seals the record and returns the token to propagate as the cookie value.
func (store *CookieStore) Save(record SessionRecord) (string, error) {
	payload, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		return "", fmt.Errorf("session.store.save: %w", encodeErr)
	}
	nonce := make([]byte, store.aead.NonceSize())
	if _, randomErr := rand.Read(nonce); randomErr != nil {
		return "", fmt.Errorf("session.store.save: %w", randomErr)
	}
	sealed := store.aead.Seal(nonce, nonce, payload, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Load decodes a request-carried token. It fails soft: a missing, malformed,
// or tampered token yields an empty SessionRecord, never an error.
func (store *CookieStore) Load(requestToken string) SessionRecord {
	if requestToken == "" {
		return SessionRecord{}
	}
	sealed, decodeErr := base64.RawURLEncoding.DecodeString(requestToken)
	if decodeErr != nil || len(sealed) <= store.aead.NonceSize() {
		return SessionRecord{}
	}
	nonce := sealed[:store.aead.NonceSize()]
	payload, openErr := store.aead.Open(nil, nonce, sealed[store.aead.NonceSize():], nil)
	if openErr != nil {
		return SessionRecord{}
	}
	var record SessionRecord
	if unmarshalErr := json.Unmarshal(payload, &record); unmarshalErr != nil {
		return SessionRecord{}
	}
	return record
}
