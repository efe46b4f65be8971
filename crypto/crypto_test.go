package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tstranex/u2fauth/credential"
)

func TestNewSoftwareOperationsParsesEmbeddedMaterial(t *testing.T) {
	ops, err := NewSoftwareOperations()
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(ops.AttestationCertificate())
	require.NoError(t, err)
	require.Equal(t, x509.ECDSA, cert.PublicKeyAlgorithm)
}

func TestGenerateApplicationKeyIsFreshEachTime(t *testing.T) {
	ops, err := NewSoftwareOperations()
	require.NoError(t, err)

	var app credential.ApplicationParameter
	app[0] = 0x01

	k1, err := ops.GenerateApplicationKey(app)
	require.NoError(t, err)
	k2, err := ops.GenerateApplicationKey(app)
	require.NoError(t, err)

	require.Len(t, k1.Handle, 128)
	require.False(t, k1.Handle.Equal(k2.Handle), "handles must be randomly generated, not a function of the application")
	require.False(t, k1.Key.Equal(k2.Key))
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	ops, err := NewSoftwareOperations()
	require.NoError(t, err)

	var app credential.ApplicationParameter
	k, err := ops.GenerateApplicationKey(app)
	require.NoError(t, err)

	message := []byte("registration signing input")
	sig, err := ops.Sign(k.Key, message)
	require.NoError(t, err)

	digest := sha256.Sum256(message)
	require.True(t, ecdsa.VerifyASN1(&k.Key.PublicKey, digest[:], sig))
}

func TestAttestProducesSignatureVerifiableUnderAttestationCert(t *testing.T) {
	ops, err := NewSoftwareOperations()
	require.NoError(t, err)

	message := []byte("attestation signing input")
	sig, err := ops.Attest(message)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(ops.AttestationCertificate())
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignature(x509.ECDSAWithSHA256, message, sig))
}
