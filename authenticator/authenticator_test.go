package authenticator

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tstranex/u2fauth/apdu"
	"github.com/tstranex/u2fauth/credential"
	ucrypto "github.com/tstranex/u2fauth/crypto"
	"github.com/tstranex/u2fauth/presence"
	"github.com/tstranex/u2fauth/store"
)

func setup(t *testing.T) (*Authenticator, *store.InMemory) {
	t.Helper()
	ops, err := ucrypto.NewSoftwareOperations()
	require.NoError(t, err)
	s := store.NewInMemory(clockwork.NewFakeClock(), nil)
	a := New(ops, s, presence.AutoApprove{}, nil)
	return a, s
}

func pubKeyFromBytes(t *testing.T, raw [65]byte) *ecdsa.PublicKey {
	t.Helper()
	x, y := elliptic.Unmarshal(elliptic.P256(), raw[:])
	require.NotNil(t, x)
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
}

func TestRegisterProducesValidKeyHandle(t *testing.T) {
	a, _ := setup(t)

	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)
	require.Equal(t, byte(0x04), reg.PublicKey[0])
	require.Len(t, reg.KeyHandle, 128)

	valid, err := a.IsValidKeyHandle(app, reg.KeyHandle)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestRegisterKeyHandleIsApplicationSpecific(t *testing.T) {
	a, _ := setup(t)

	var app, other, challenge [32]byte
	other[0] = 0x01

	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	valid, err := a.IsValidKeyHandle(other, reg.KeyHandle)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestRegisterDeniedByPresence(t *testing.T) {
	ops, err := ucrypto.NewSoftwareOperations()
	require.NoError(t, err)
	s := store.NewInMemory(clockwork.NewFakeClock(), nil)
	a := New(ops, s, presence.AutoDeny{}, nil)

	var app, challenge [32]byte
	_, err = a.Register(app, challenge)
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, ErrorApprovalRequired, authErr.Kind)

	valid, err := a.IsValidKeyHandle(app, credential.KeyHandle{})
	require.NoError(t, err)
	require.False(t, valid)
}

func TestRegistrationSignatureVerifiesUnderAttestationCert(t *testing.T) {
	a, _ := setup(t)
	ops, err := ucrypto.NewSoftwareOperations()
	require.NoError(t, err)

	var app, challenge [32]byte
	app[0] = 0x42
	challenge[0] = 0x24

	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(ops.AttestationCertificate())
	require.NoError(t, err)

	message := registrationSigningInput(app, challenge, reg.KeyHandle, reg.PublicKey)
	require.NoError(t, cert.CheckSignature(x509.ECDSAWithSHA256, message, reg.Signature))
}

func TestAuthenticateCounterMonotonicity(t *testing.T) {
	a, _ := setup(t)

	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	auth1, err := a.Authenticate(app, challenge, reg.KeyHandle)
	require.NoError(t, err)
	require.Equal(t, store.Counter(0), auth1.Counter)
	require.True(t, auth1.UserPresent)

	auth2, err := a.Authenticate(app, challenge, reg.KeyHandle)
	require.NoError(t, err)
	require.Equal(t, store.Counter(1), auth2.Counter)

	auth3, err := a.Authenticate(app, challenge, reg.KeyHandle)
	require.NoError(t, err)
	require.Equal(t, store.Counter(2), auth3.Counter)
}

func TestAuthenticateSignatureVerifiesUnderRegisteredPublicKey(t *testing.T) {
	a, _ := setup(t)

	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	auth, err := a.Authenticate(app, challenge, reg.KeyHandle)
	require.NoError(t, err)

	pub := pubKeyFromBytes(t, reg.PublicKey)
	message := authenticationSigningInput(app, 0x01, uint32(auth.Counter), challenge)
	digest := sha256.Sum256(message)
	require.True(t, ecdsa.VerifyASN1(pub, digest[:], auth.Signature))
}

func TestAuthenticateUnknownHandleIsInvalid(t *testing.T) {
	a, _ := setup(t)

	var app, challenge [32]byte
	handle := credential.KeyHandle(make([]byte, 128))

	_, err := a.Authenticate(app, challenge, handle)
	require.Error(t, err)

	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, ErrorInvalidKeyHandle, authErr.Kind)
}

func TestAuthenticateDeniedByPresenceDoesNotAdvanceCounter(t *testing.T) {
	ops, err := ucrypto.NewSoftwareOperations()
	require.NoError(t, err)
	s := store.NewInMemory(clockwork.NewFakeClock(), nil)
	a := New(ops, s, presence.AutoApprove{}, nil)

	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	deny := New(ops, s, presence.AutoDeny{}, nil)
	_, err = deny.Authenticate(app, challenge, reg.KeyHandle)
	require.Error(t, err)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, ErrorApprovalRequired, authErr.Kind)

	auth, err := a.Authenticate(app, challenge, reg.KeyHandle)
	require.NoError(t, err)
	require.Equal(t, store.Counter(0), auth.Counter)
}

func TestCallGetVersion(t *testing.T) {
	a, _ := setup(t)
	req := &apdu.Request{Kind: apdu.RequestGetVersion}
	require.Equal(t, []byte{0x55, 0x32, 0x46, 0x5F, 0x56, 0x32, 0x90, 0x00}, a.Call(req))
}

func TestCallWink(t *testing.T) {
	a, _ := setup(t)
	req := &apdu.Request{Kind: apdu.RequestWink}
	require.Equal(t, apdu.EncodeStatus(apdu.SWNoError), a.Call(req))
}

func TestCallCheckOnlyValidHandleNeverSigns(t *testing.T) {
	a, _ := setup(t)
	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	req := &apdu.Request{
		Kind:        apdu.RequestAuthenticate,
		Control:     apdu.CheckOnly,
		Application: app,
		Challenge:   challenge,
		KeyHandle:   reg.KeyHandle,
	}
	out := a.Call(req)
	require.Equal(t, apdu.EncodeStatus(apdu.SWTestOfUserPresenceNotSatisfied), out)
}

func TestCallCheckOnlyInvalidHandle(t *testing.T) {
	a, _ := setup(t)
	var app, challenge [32]byte

	req := &apdu.Request{
		Kind:        apdu.RequestAuthenticate,
		Control:     apdu.CheckOnly,
		Application: app,
		Challenge:   challenge,
		KeyHandle:   make([]byte, 128),
	}
	out := a.Call(req)
	require.Equal(t, apdu.EncodeStatus(apdu.SWInvalidKeyHandle), out)
}

func TestCallDontEnforceUserPresenceAlwaysRefuses(t *testing.T) {
	a, _ := setup(t)
	var app, challenge [32]byte
	reg, err := a.Register(app, challenge)
	require.NoError(t, err)

	req := &apdu.Request{
		Kind:        apdu.RequestAuthenticate,
		Control:     apdu.DontEnforceUserPresenceAndSign,
		Application: app,
		Challenge:   challenge,
		KeyHandle:   reg.KeyHandle,
	}
	out := a.Call(req)
	require.Equal(t, apdu.EncodeStatus(apdu.SWTestOfUserPresenceNotSatisfied), out)
}

func TestCallAuthenticateOnEmptyStoreIsInvalidKeyHandle(t *testing.T) {
	a, _ := setup(t)
	var app, challenge [32]byte

	req := &apdu.Request{
		Kind:        apdu.RequestAuthenticate,
		Control:     apdu.EnforceUserPresenceAndSign,
		Application: app,
		Challenge:   challenge,
		KeyHandle:   make([]byte, 128),
	}
	out := a.Call(req)
	require.Equal(t, apdu.EncodeStatus(apdu.SWInvalidKeyHandle), out)
}

func TestCallRegisterThenAuthenticateRoundTrip(t *testing.T) {
	a, _ := setup(t)
	var app, challenge [32]byte

	regReq := &apdu.Request{Kind: apdu.RequestRegister, Application: app, Challenge: challenge}
	regOut := a.Call(regReq)
	require.Equal(t, []byte{0x90, 0x00}, regOut[len(regOut)-2:])

	khLen := int(regOut[1+65])
	keyHandle := regOut[1+65+1 : 1+65+1+khLen]

	authReq := &apdu.Request{
		Kind:        apdu.RequestAuthenticate,
		Control:     apdu.EnforceUserPresenceAndSign,
		Application: app,
		Challenge:   challenge,
		KeyHandle:   keyHandle,
	}
	authOut := a.Call(authReq)
	require.Equal(t, []byte{0x90, 0x00}, authOut[len(authOut)-2:])
	require.Equal(t, byte(0x01), authOut[0])
}
