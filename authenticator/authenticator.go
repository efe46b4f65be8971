// Package authenticator implements the U2F protocol state machine: it
// composes the apdu codec with the crypto, store, and presence
// collaborators to turn a decoded Request into an encoded response.
//
// An Authenticator has no long-lived session state of its own beyond the
// borrowed collaborator references; the only state that evolves across
// calls lives in the injected Store. Callers MUST serialize calls against
// a single Authenticator instance — Call takes no internal lock because
// the store it mutates is assumed exclusive to this authenticator.
package authenticator

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/tstranex/u2fauth/apdu"
	"github.com/tstranex/u2fauth/credential"
	ucrypto "github.com/tstranex/u2fauth/crypto"
	"github.com/tstranex/u2fauth/presence"
	"github.com/tstranex/u2fauth/store"
)

// ErrorKind is the closed taxonomy of ways a U2F operation can fail,
// independent of the underlying Go error that caused it.
type ErrorKind int

const (
	// ErrorApprovalRequired means the user-presence collaborator denied
	// the operation.
	ErrorApprovalRequired ErrorKind = iota
	// ErrorInvalidKeyHandle means the store has no credential matching the
	// given application and key handle.
	ErrorInvalidKeyHandle
	// ErrorIO means a collaborator (store or presence) failed
	// unexpectedly.
	ErrorIO
	// ErrorSigning means the crypto collaborator failed to sign or
	// generate a key.
	ErrorSigning
)

// Error wraps an ErrorKind with the underlying cause, preserving the
// original error chain for logging while keeping status-word mapping a
// pure function of Kind.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	switch e.Kind {
	case ErrorApprovalRequired:
		return "authenticator: approval required"
	case ErrorInvalidKeyHandle:
		return "authenticator: invalid key handle"
	case ErrorSigning:
		return "authenticator: signing failed"
	default:
		return "authenticator: io error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func approvalRequired() error         { return &Error{Kind: ErrorApprovalRequired} }
func invalidKeyHandle() error         { return &Error{Kind: ErrorInvalidKeyHandle} }
func ioError(cause error) error       { return &Error{Kind: ErrorIO, Cause: cause} }
func signingError(cause error) error  { return &Error{Kind: ErrorSigning, Cause: cause} }

// statusWordFor maps a closed ErrorKind to its wire status word.
func statusWordFor(kind ErrorKind) apdu.StatusWord {
	switch kind {
	case ErrorApprovalRequired:
		return apdu.SWTestOfUserPresenceNotSatisfied
	case ErrorInvalidKeyHandle:
		return apdu.SWInvalidKeyHandle
	case ErrorIO, ErrorSigning:
		return apdu.SWUnknownError
	default:
		return apdu.SWUnknownError
	}
}

// Registration is the result of a successful Register call.
type Registration struct {
	PublicKey       [65]byte
	KeyHandle       credential.KeyHandle
	AttestationCert []byte
	Signature       ucrypto.Signature
}

// Authentication is the result of a successful Authenticate call.
type Authentication struct {
	Counter     store.Counter
	Signature   ucrypto.Signature
	UserPresent bool
}

// Authenticator composes the crypto, store, and presence collaborators
// into full U2F protocol semantics.
type Authenticator struct {
	crypto   ucrypto.Operations
	store    store.Store
	presence presence.Presence
	log      *logrus.Entry
}

// New constructs an Authenticator from its three collaborators. log may be
// nil, in which case the standard logrus logger is used.
func New(cryptoOps ucrypto.Operations, secretStore store.Store, userPresence presence.Presence, log *logrus.Entry) *Authenticator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Authenticator{
		crypto:   cryptoOps,
		store:    secretStore,
		presence: userPresence,
		log:      log.WithField("component", "authenticator"),
	}
}

// Register runs the U2F registration ceremony: it asks for user presence,
// generates a fresh credential, persists it, and attests to the binding
// between application, challenge, key handle, and public key.
func (a *Authenticator) Register(application credential.ApplicationParameter, challenge credential.ChallengeParameter) (*Registration, error) {
	approved, err := a.presence.ApproveRegistration(application)
	if err != nil {
		return nil, ioError(trace.Wrap(err, "approving registration"))
	}
	if !approved {
		return nil, approvalRequired()
	}

	appKey, err := a.crypto.GenerateApplicationKey(application)
	if err != nil {
		return nil, signingError(trace.Wrap(err, "generating application key"))
	}

	if err := a.store.AddApplicationKey(appKey); err != nil {
		return nil, ioError(trace.Wrap(err, "storing application key"))
	}

	pubKey := credential.PublicKeyBytes(&appKey.Key.PublicKey)

	message := registrationSigningInput(application, challenge, appKey.Handle, pubKey)
	sig, err := a.crypto.Attest(message)
	if err != nil {
		return nil, signingError(trace.Wrap(err, "attesting registration"))
	}

	return &Registration{
		PublicKey:       pubKey,
		KeyHandle:       appKey.Handle,
		AttestationCert: a.crypto.AttestationCertificate(),
		Signature:       sig,
	}, nil
}

// Authenticate runs the U2F authentication ceremony: it looks up the
// credential, asks for user presence, advances the per-application
// counter, and signs the authentication digest.
func (a *Authenticator) Authenticate(application credential.ApplicationParameter, challenge credential.ChallengeParameter, handle credential.KeyHandle) (*Authentication, error) {
	appKey, err := a.store.RetrieveApplicationKey(application, handle)
	if err != nil {
		return nil, ioError(trace.Wrap(err, "retrieving application key"))
	}
	if appKey == nil {
		return nil, invalidKeyHandle()
	}

	approved, err := a.presence.ApproveAuthentication(application)
	if err != nil {
		return nil, ioError(trace.Wrap(err, "approving authentication"))
	}
	if !approved {
		return nil, approvalRequired()
	}

	counter, err := a.store.GetThenIncrementCounter(application)
	if err != nil {
		return nil, ioError(trace.Wrap(err, "incrementing counter"))
	}

	const userPresenceByte = 0x01
	message := authenticationSigningInput(application, userPresenceByte, uint32(counter), challenge)
	sig, err := a.crypto.Sign(appKey.Key, message)
	if err != nil {
		return nil, signingError(trace.Wrap(err, "signing authentication"))
	}

	return &Authentication{
		Counter:     counter,
		Signature:   sig,
		UserPresent: true,
	}, nil
}

// IsValidKeyHandle reports whether handle names a credential registered
// for application, without authenticating.
func (a *Authenticator) IsValidKeyHandle(application credential.ApplicationParameter, handle credential.KeyHandle) (bool, error) {
	appKey, err := a.store.RetrieveApplicationKey(application, handle)
	if err != nil {
		return false, ioError(trace.Wrap(err, "retrieving application key"))
	}
	return appKey != nil, nil
}

// Wink performs the device-identification gesture. It has no signing or
// store interaction.
func (a *Authenticator) Wink() error {
	if err := a.presence.Wink(); err != nil {
		return ioError(trace.Wrap(err, "winking"))
	}
	return nil
}

func registrationSigningInput(application credential.ApplicationParameter, challenge credential.ChallengeParameter, handle credential.KeyHandle, pubKey [65]byte) []byte {
	buf := make([]byte, 0, 1+32+32+len(handle)+65)
	buf = append(buf, 0x00)
	buf = append(buf, application[:]...)
	buf = append(buf, challenge[:]...)
	buf = append(buf, handle...)
	buf = append(buf, pubKey[:]...)
	return buf
}

func authenticationSigningInput(application credential.ApplicationParameter, userPresence byte, counter uint32, challenge credential.ChallengeParameter) []byte {
	buf := make([]byte, 0, 32+1+4+32)
	buf = append(buf, application[:]...)
	buf = append(buf, userPresence)
	buf = binary.BigEndian.AppendUint32(buf, counter)
	buf = append(buf, challenge[:]...)
	return buf
}

// Call is the single synchronous entry point the wire protocol drives:
// decode happens upstream (in the apdu package), and errors from Register/
// Authenticate/Wink are mapped to status words here. It owns the
// control-code semantics for Authenticate (CheckOnly never signs;
// DontEnforceUserPresenceAndSign is deliberately refused, per the U2F
// requirement that every assertion prove user presence).
func (a *Authenticator) Call(req *apdu.Request) []byte {
	switch req.Kind {
	case apdu.RequestGetVersion:
		return apdu.EncodeVersion()

	case apdu.RequestWink:
		if err := a.Wink(); err != nil {
			return a.logAndEncodeError("wink", req.Application, err)
		}
		a.log.WithField("op", "wink").Info("wink ok")
		return apdu.EncodeStatus(apdu.SWNoError)

	case apdu.RequestRegister:
		reg, err := a.Register(req.Application, req.Challenge)
		if err != nil {
			return a.logAndEncodeError("register", req.Application, err)
		}
		a.log.WithField("op", "register").Info("register ok")
		return (&apdu.RegistrationResponse{
			PublicKey:       reg.PublicKey,
			KeyHandle:       reg.KeyHandle,
			AttestationCert: reg.AttestationCert,
			Signature:       reg.Signature,
		}).Encode()

	case apdu.RequestAuthenticate:
		return a.callAuthenticate(req)

	default:
		return apdu.EncodeStatus(apdu.SWRequestInstructionNotSupported)
	}
}

func (a *Authenticator) callAuthenticate(req *apdu.Request) []byte {
	switch req.Control {
	case apdu.CheckOnly:
		valid, err := a.IsValidKeyHandle(req.Application, req.KeyHandle)
		if err != nil {
			return a.logAndEncodeError("check-only", req.Application, err)
		}
		if valid {
			return apdu.EncodeStatus(apdu.SWTestOfUserPresenceNotSatisfied)
		}
		return apdu.EncodeStatus(apdu.SWInvalidKeyHandle)

	case apdu.DontEnforceUserPresenceAndSign:
		// U2F requires user presence on every assertion; this control
		// code is accepted on the wire but deliberately always refused.
		return apdu.EncodeStatus(apdu.SWTestOfUserPresenceNotSatisfied)

	case apdu.EnforceUserPresenceAndSign:
		auth, err := a.Authenticate(req.Application, req.Challenge, req.KeyHandle)
		if err != nil {
			return a.logAndEncodeError("authenticate", req.Application, err)
		}
		a.log.WithField("op", "authenticate").Info("authenticate ok")
		return (&apdu.AuthenticationResponse{
			UserPresent: auth.UserPresent,
			Counter:     uint32(auth.Counter),
			Signature:   auth.Signature,
		}).Encode()

	default:
		return apdu.EncodeStatus(apdu.SWRequestLengthInvalid)
	}
}

func (a *Authenticator) logAndEncodeError(op string, application credential.ApplicationParameter, err error) []byte {
	kind := ErrorIO
	var authErr *Error
	if errors.As(err, &authErr) {
		kind = authErr.Kind
	}

	sw := statusWordFor(kind)
	entry := a.log.WithFields(logrus.Fields{
		"op":          op,
		"application": hexPrefix(application),
		"status_word": sw,
	})
	if sw == apdu.SWUnknownError {
		entry.Warnf("%s failed: %+v", op, err)
	} else {
		entry.Infof("%s refused: %v", op, err)
	}
	return apdu.EncodeStatus(sw)
}

func hexPrefix(app credential.ApplicationParameter) string {
	const n = 4
	return hex.EncodeToString(app[:n])
}
