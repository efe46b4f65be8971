// Package apdu implements the ISO 7816-4 extended-length APDU framing
// used by the U2F wire protocol: decoding raw request bytes into a typed
// Request, and encoding typed Responses back into status-word-terminated
// byte strings.
package apdu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// INS codes recognised by the U2F authenticator.
const (
	InsRegister     = 0x01
	InsAuthenticate = 0x02
	InsVersion      = 0x03
	InsWink         = 0x04
)

// P1 control codes for InsAuthenticate.
const (
	ControlCheckOnly                      = 0x07
	ControlEnforceUserPresenceAndSign     = 0x03
	ControlDontEnforceUserPresenceAndSign = 0x08
)

// MaxKeyHandleSize is U2F_MAX_KH_SIZE: the maximum length, in bytes, of a
// key handle generated on registration.
const MaxKeyHandleSize = 128

// Version is the ASCII version string returned by GetVersion.
const Version = "U2F_V2"

// StatusWord is a big-endian ISO 7816-4 response status word.
type StatusWord uint16

// The status-word catalogue from the U2F wire format.
const (
	SWNoError                         StatusWord = 0x9000
	SWTestOfUserPresenceNotSatisfied  StatusWord = 0x6985
	SWInvalidKeyHandle                StatusWord = 0x6A80
	SWRequestLengthInvalid            StatusWord = 0x6700
	SWRequestClassNotSupported        StatusWord = 0x6E00
	SWRequestInstructionNotSupported  StatusWord = 0x6D00
	SWCommandNotAllowed               StatusWord = 0x6986
	SWUnknownError                    StatusWord = 0x6F00
)

// RequestKind identifies which APDU operation a decoded Request carries.
type RequestKind int

const (
	RequestRegister RequestKind = iota
	RequestAuthenticate
	RequestGetVersion
	RequestWink
)

// ControlCode selects the Authenticate variant.
type ControlCode int

const (
	CheckOnly ControlCode = iota
	EnforceUserPresenceAndSign
	DontEnforceUserPresenceAndSign
)

// Request is the decoded form of an incoming APDU command.
type Request struct {
	Kind RequestKind

	// Populated for RequestRegister and RequestAuthenticate.
	Challenge   [32]byte
	Application [32]byte

	// Populated for RequestAuthenticate only.
	Control   ControlCode
	KeyHandle []byte
}

// DecodeError is a sentinel carrying the status word a malformed request
// should be answered with, distinct from an unexpected collaborator error.
type DecodeError struct {
	SW    StatusWord
	cause error
}

func (e *DecodeError) Error() string { return e.cause.Error() }
func (e *DecodeError) Unwrap() error { return e.cause }

// StatusWordOf extracts the status word a decode error should be reported
// as, if err originated from Decode. Returns ok=false for any other error.
func StatusWordOf(err error) (StatusWord, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.SW, true
	}
	return 0, false
}

func lengthInvalid(format string, args ...interface{}) error {
	return trace.Wrap(&DecodeError{SW: SWRequestLengthInvalid, cause: fmt.Errorf(format, args...)})
}

func insNotSupported(format string, args ...interface{}) error {
	return trace.Wrap(&DecodeError{SW: SWRequestInstructionNotSupported, cause: fmt.Errorf(format, args...)})
}

func classNotSupported(format string, args ...interface{}) error {
	return trace.Wrap(&DecodeError{SW: SWRequestClassNotSupported, cause: fmt.Errorf(format, args...)})
}

// Decode parses a raw APDU request. It never panics: every malformed input
// shape results in a non-nil error whose status word can be recovered with
// StatusWordOf.
func Decode(raw []byte) (*Request, error) {
	if len(raw) < 4 {
		return nil, lengthInvalid("apdu: header truncated (%d bytes)", len(raw))
	}

	cla := raw[0]
	ins := raw[1]
	p1 := raw[2]
	p2 := raw[3]
	rest := raw[4:]

	if cla != 0x00 {
		return nil, classNotSupported("apdu: unsupported class 0x%02x", cla)
	}

	data, _, err := decodeLengths(rest)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch {
	case ins == InsRegister:
		return decodeRegister(data)
	case ins == InsAuthenticate:
		return decodeAuthenticate(p1, p2, data)
	case ins == InsVersion:
		if p1 != 0 || p2 != 0 || len(data) != 0 {
			return nil, lengthInvalid("apdu: GetVersion takes no parameters or data")
		}
		return &Request{Kind: RequestGetVersion}, nil
	case ins == InsWink:
		if p1 != 0 || p2 != 0 || len(data) != 0 {
			return nil, lengthInvalid("apdu: Wink takes no parameters or data")
		}
		return &Request{Kind: RequestWink}, nil
	case ins >= 0x40 && ins <= 0xBF:
		return nil, insNotSupported("apdu: vendor-reserved instruction 0x%02x", ins)
	default:
		return nil, insNotSupported("apdu: unrecognised instruction 0x%02x", ins)
	}
}

// decodeLengths consumes the extended-length Lc/data/Le encoding described
// in the U2F wire spec and returns the data portion. Le is accepted but not
// returned: this authenticator always emits its full natural response
// length, matching real U2F tokens.
func decodeLengths(rest []byte) (data []byte, le int, err error) {
	switch len(rest) {
	case 0:
		return nil, 0, nil

	case 2:
		return nil, decode16(rest[0], rest[1]), nil

	case 3:
		if rest[0] != 0x00 {
			return nil, 0, lengthInvalid("apdu: expected 0x00 Le-prefix byte")
		}
		return nil, decode16(rest[1], rest[2]), nil

	default:
		if len(rest) < 3 {
			return nil, 0, lengthInvalid("apdu: truncated length prefix")
		}
		if rest[0] != 0x00 {
			return nil, 0, lengthInvalid("apdu: expected 0x00 Lc-prefix byte")
		}
		lc := decode16(rest[1], rest[2])
		body := rest[3:]
		if len(body) < lc {
			return nil, 0, lengthInvalid("apdu: declared Lc=%d exceeds remaining %d bytes", lc, len(body))
		}
		data = body[:lc]
		trailer := body[lc:]
		switch len(trailer) {
		case 0:
			return data, 0, nil
		case 2:
			return data, decode16(trailer[0], trailer[1]), nil
		default:
			return nil, 0, lengthInvalid("apdu: unexpected %d trailing bytes after Lc data", len(trailer))
		}
	}
}

// decode16 decodes a big-endian two-byte length, treating an encoded zero
// as the convention value 65535.
func decode16(hi, lo byte) int {
	v := binary.BigEndian.Uint16([]byte{hi, lo})
	if v == 0 {
		return 65535
	}
	return int(v)
}

func decodeRegister(data []byte) (*Request, error) {
	if len(data) != 64 {
		return nil, lengthInvalid("apdu: Register data must be 64 bytes, got %d", len(data))
	}
	var req Request
	req.Kind = RequestRegister
	copy(req.Challenge[:], data[:32])
	copy(req.Application[:], data[32:64])
	return &req, nil
}

func decodeAuthenticate(p1, p2 byte, data []byte) (*Request, error) {
	if p2 != 0 {
		return nil, lengthInvalid("apdu: Authenticate requires P2=0, got 0x%02x", p2)
	}

	var control ControlCode
	switch p1 {
	case ControlCheckOnly:
		control = CheckOnly
	case ControlEnforceUserPresenceAndSign:
		control = EnforceUserPresenceAndSign
	case ControlDontEnforceUserPresenceAndSign:
		control = DontEnforceUserPresenceAndSign
	default:
		return nil, lengthInvalid("apdu: unrecognised Authenticate control code 0x%02x", p1)
	}

	if len(data) < 65 {
		return nil, lengthInvalid("apdu: Authenticate data too short (%d bytes)", len(data))
	}

	var req Request
	req.Kind = RequestAuthenticate
	req.Control = control
	copy(req.Challenge[:], data[:32])
	copy(req.Application[:], data[32:64])

	khLen := int(data[64])
	if khLen > MaxKeyHandleSize {
		return nil, lengthInvalid("apdu: key handle length %d exceeds max %d", khLen, MaxKeyHandleSize)
	}
	if len(data) != 65+khLen {
		return nil, lengthInvalid("apdu: declared key handle length %d does not match remaining %d bytes", khLen, len(data)-65)
	}
	req.KeyHandle = append([]byte(nil), data[65:]...)

	return &req, nil
}

// RegistrationResponse is the payload for a successful Register call.
type RegistrationResponse struct {
	PublicKey       [65]byte
	KeyHandle       []byte
	AttestationCert []byte
	Signature       []byte
}

// Encode serialises the registration payload followed by SW_NO_ERROR.
func (r *RegistrationResponse) Encode() []byte {
	buf := make([]byte, 0, 1+65+1+len(r.KeyHandle)+len(r.AttestationCert)+len(r.Signature)+2)
	buf = append(buf, 0x05)
	buf = append(buf, r.PublicKey[:]...)
	buf = append(buf, byte(len(r.KeyHandle)))
	buf = append(buf, r.KeyHandle...)
	buf = append(buf, r.AttestationCert...)
	buf = append(buf, r.Signature...)
	buf = appendStatusWord(buf, SWNoError)
	return buf
}

// AuthenticationResponse is the payload for a successful Authenticate call.
type AuthenticationResponse struct {
	UserPresent bool
	Counter     uint32
	Signature   []byte
}

// Encode serialises the authentication payload followed by SW_NO_ERROR.
func (r *AuthenticationResponse) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(r.Signature)+2)
	var presence byte
	if r.UserPresent {
		presence = 0x01
	}
	buf = append(buf, presence)
	buf = binary.BigEndian.AppendUint32(buf, r.Counter)
	buf = append(buf, r.Signature...)
	buf = appendStatusWord(buf, SWNoError)
	return buf
}

// EncodeVersion serialises the GetVersion payload followed by SW_NO_ERROR.
func EncodeVersion() []byte {
	buf := []byte(Version)
	return appendStatusWord(buf, SWNoError)
}

// EncodeStatus serialises a bare status word, used for every error response
// and for the successful Wink response.
func EncodeStatus(sw StatusWord) []byte {
	return appendStatusWord(nil, sw)
}

func appendStatusWord(buf []byte, sw StatusWord) []byte {
	return binary.BigEndian.AppendUint16(buf, uint16(sw))
}
