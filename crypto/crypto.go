// Package crypto defines the cryptographic-operations collaborator
// contract the authenticator core signs and generates keys through, and
// ships a reference software implementation over P-256/SHA-256.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"

	"github.com/tstranex/u2fauth/apdu"
	"github.com/tstranex/u2fauth/credential"
)

// Signature is a DER-encoded ECDSA signature, 70-73 bytes in practice.
type Signature []byte

// Operations is the cryptographic collaborator the authenticator core
// signs and generates credentials through. Implementations may be backed
// by software keys, an HSM, or a secure element; the core never inspects
// a private key directly.
type Operations interface {
	// GenerateApplicationKey creates a fresh P-256 key pair and a fresh,
	// uniformly random key handle for application.
	GenerateApplicationKey(application credential.ApplicationParameter) (*credential.ApplicationKey, error)

	// Sign computes an ECDSA-P256-SHA256 signature of message under key.
	Sign(key *ecdsa.PrivateKey, message []byte) (Signature, error)

	// Attest computes an ECDSA-P256-SHA256 signature of message under the
	// authenticator's static attestation private key.
	Attest(message []byte) (Signature, error)

	// AttestationCertificate returns the DER-encoded attestation
	// certificate to embed in registration responses.
	AttestationCertificate() []byte
}

// SoftwareOperations is the reference Operations implementation: P-256
// keys generated with crypto/rand, DER ECDSA signatures via
// ecdsa.SignASN1, and a development-only embedded self-signed attestation
// certificate and key.
type SoftwareOperations struct {
	attestationKey  *ecdsa.PrivateKey
	attestationCert []byte
}

// NewSoftwareOperations parses the embedded development attestation
// material and returns a ready-to-use Operations implementation. It never
// fails in practice (the embedded PEM is fixed at build time) but returns
// an error rather than panicking, matching the package's no-panic
// discipline.
func NewSoftwareOperations() (*SoftwareOperations, error) {
	keyBlock, _ := pem.Decode([]byte(devAttestationKeyPEM))
	if keyBlock == nil {
		return nil, trace.BadParameter("embedded attestation key is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, trace.Wrap(err, "parsing embedded attestation key")
	}
	ecdsaKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("embedded attestation key is not ECDSA")
	}

	certBlock, _ := pem.Decode([]byte(devAttestationCertPEM))
	if certBlock == nil {
		return nil, trace.BadParameter("embedded attestation certificate is not valid PEM")
	}
	if _, err := x509.ParseCertificate(certBlock.Bytes); err != nil {
		return nil, trace.Wrap(err, "parsing embedded attestation certificate")
	}

	return &SoftwareOperations{
		attestationKey:  ecdsaKey,
		attestationCert: certBlock.Bytes,
	}, nil
}

// GenerateApplicationKey implements Operations.
func (o *SoftwareOperations) GenerateApplicationKey(application credential.ApplicationParameter) (*credential.ApplicationKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating application key pair")
	}

	handle := make([]byte, apdu.MaxKeyHandleSize)
	if _, err := rand.Read(handle); err != nil {
		return nil, trace.Wrap(err, "generating key handle")
	}

	return &credential.ApplicationKey{
		Application: application,
		Handle:      handle,
		Key:         priv,
	}, nil
}

// Sign implements Operations.
func (o *SoftwareOperations) Sign(key *ecdsa.PrivateKey, message []byte) (Signature, error) {
	return sign(key, message)
}

// Attest implements Operations.
func (o *SoftwareOperations) Attest(message []byte) (Signature, error) {
	return sign(o.attestationKey, message)
}

// AttestationCertificate implements Operations.
func (o *SoftwareOperations) AttestationCertificate() []byte {
	return o.attestationCert
}

func sign(key *ecdsa.PrivateKey, message []byte) (Signature, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, trace.Wrap(err, "signing digest")
	}
	return sig, nil
}
