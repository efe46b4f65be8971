// Package credential holds the value types shared by every other package:
// application/challenge parameters, key handles, and the persisted
// application-key record that binds a relying party to a P-256 key pair.
package credential

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"time"

	"github.com/gravitational/trace"
)

// ApplicationParameter is the 32-byte SHA-256 hash identifying a relying
// party. It is comparable and usable as a map key.
type ApplicationParameter [32]byte

// ChallengeParameter is the 32-byte nonce supplied by the client for a
// single request. It is never persisted.
type ChallengeParameter [32]byte

// KeyHandle is an opaque credential identifier, 1-128 bytes, returned at
// registration and presented at every subsequent authentication.
type KeyHandle []byte

// Equal reports whether h and other are the same key handle, in constant
// time relative to the lengths of both inputs.
func (h KeyHandle) Equal(other KeyHandle) bool {
	if len(h) != len(other) {
		return false
	}
	return subtle.ConstantTimeCompare(h, other) == 1
}

// PublicKeyBytes returns the 65-byte uncompressed SEC1 encoding
// (0x04 || X || Y) of a P-256 public key.
func PublicKeyBytes(pub *ecdsa.PublicKey) [65]byte {
	var out [65]byte
	copy(out[:], elliptic.Marshal(elliptic.P256(), pub.X, pub.Y))
	return out
}

// ApplicationKey is a single credential: the relying party it belongs to,
// the key handle that names it, and the private key it signs with.
type ApplicationKey struct {
	Application ApplicationParameter
	Handle      KeyHandle
	Key         *ecdsa.PrivateKey

	// Generated is a diagnostic timestamp recorded by the store; it never
	// appears in any signed payload.
	Generated time.Time
}

// applicationKeyRecord is the on-disk shape of a persisted ApplicationKey:
// opaque to the authenticator core, present only so a durable store
// implementation can round-trip a credential across restarts.
type applicationKeyRecord struct {
	Application string `json:"application"`
	Handle      string `json:"handle"`
	Key         string `json:"key"`
}

// MarshalRecord serialises k into the base64/PEM persisted-state shape.
func (k *ApplicationKey) MarshalRecord() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Key)
	if err != nil {
		return nil, trace.Wrap(err, "marshalling application key")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	rec := applicationKeyRecord{
		Application: base64.StdEncoding.EncodeToString(k.Application[:]),
		Handle:      base64.StdEncoding.EncodeToString(k.Handle),
		Key:         base64.StdEncoding.EncodeToString(keyPEM),
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, trace.Wrap(err, "encoding application key record")
	}
	return out, nil
}

// UnmarshalRecord decodes a persisted record produced by MarshalRecord,
// populating k in place. Generated is left at its zero value; callers that
// need it must track it separately.
func (k *ApplicationKey) UnmarshalRecord(data []byte) error {
	var rec applicationKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return trace.Wrap(err, "unmarshalling application key")
	}

	appBytes, err := base64.StdEncoding.DecodeString(rec.Application)
	if err != nil {
		return trace.Wrap(err, "decoding application parameter")
	}
	if len(appBytes) != 32 {
		return trace.BadParameter("application parameter must be 32 bytes, got %d", len(appBytes))
	}
	copy(k.Application[:], appBytes)

	handle, err := base64.StdEncoding.DecodeString(rec.Handle)
	if err != nil {
		return trace.Wrap(err, "decoding key handle")
	}
	k.Handle = handle

	keyPEMBytes, err := base64.StdEncoding.DecodeString(rec.Key)
	if err != nil {
		return trace.Wrap(err, "decoding private key")
	}
	block, _ := pem.Decode(keyPEMBytes)
	if block == nil {
		return trace.BadParameter("private key is not valid PEM")
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return trace.Wrap(err, "parsing PKCS#8 private key")
	}
	ecdsaKey, ok := priv.(*ecdsa.PrivateKey)
	if !ok {
		return trace.BadParameter("private key is not an ECDSA key")
	}
	k.Key = ecdsaKey

	return nil
}
