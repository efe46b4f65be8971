// Package presence defines the user-presence collaborator contract: the
// gesture (e.g. a button press) that proves a human approved a
// registration or authentication, plus a wink for device identification.
package presence

import "github.com/tstranex/u2fauth/credential"

// Presence is the user-presence collaborator the authenticator core asks
// for approval through. Every method may block for arbitrary wall time
// while it waits on a human.
type Presence interface {
	// ApproveRegistration asks whether the user approves enrolling a new
	// credential for application.
	ApproveRegistration(application credential.ApplicationParameter) (bool, error)

	// ApproveAuthentication asks whether the user approves an
	// authentication attempt for application.
	ApproveAuthentication(application credential.ApplicationParameter) (bool, error)

	// Wink performs a physical identification gesture (e.g. blinking an
	// LED) with no approval semantics.
	Wink() error
}

// AutoApprove approves every registration and authentication immediately
// and treats Wink as a no-op. Suitable for tests and for the reference
// demo binary; never for a real deployment, since it provides no actual
// proof of user presence.
type AutoApprove struct{}

func (AutoApprove) ApproveRegistration(credential.ApplicationParameter) (bool, error) {
	return true, nil
}

func (AutoApprove) ApproveAuthentication(credential.ApplicationParameter) (bool, error) {
	return true, nil
}

func (AutoApprove) Wink() error { return nil }

// AutoDeny denies every registration and authentication. Useful for
// exercising the ApprovalRequired error path in tests.
type AutoDeny struct{}

func (AutoDeny) ApproveRegistration(credential.ApplicationParameter) (bool, error) {
	return false, nil
}

func (AutoDeny) ApproveAuthentication(credential.ApplicationParameter) (bool, error) {
	return false, nil
}

func (AutoDeny) Wink() error { return nil }
