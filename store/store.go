// Package store defines the secret-store collaborator contract and ships
// an in-memory reference implementation: credential persistence and a
// monotonic per-application counter.
package store

import (
	"encoding/hex"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/tstranex/u2fauth/credential"
)

// Counter is a per-application monotonically increasing value returned in
// authentication responses for replay/clone detection.
type Counter uint32

// Store is the secret-store collaborator the authenticator core persists
// credentials and counters through.
type Store interface {
	// AddApplicationKey persists k. Multiple credentials may exist for the
	// same application parameter; they are distinguished by key handle.
	AddApplicationKey(k *credential.ApplicationKey) error

	// RetrieveApplicationKey returns the credential matching both
	// application and handle, or nil if none matches. Handle comparison
	// MUST be constant time.
	RetrieveApplicationKey(application credential.ApplicationParameter, handle credential.KeyHandle) (*credential.ApplicationKey, error)

	// GetThenIncrementCounter returns the counter's value before
	// incrementing it, creating it at 0 on first use.
	GetThenIncrementCounter(application credential.ApplicationParameter) (Counter, error)
}

// InMemory is the reference Store implementation: everything lives in
// process memory and is lost on restart. It supports multiple credentials
// per application parameter, keyed internally by (application, handle).
type InMemory struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	log      *logrus.Entry
	keys     map[credential.ApplicationParameter][]*credential.ApplicationKey
	counters map[credential.ApplicationParameter]Counter
}

// NewInMemory constructs an empty in-memory store. clock is used only to
// stamp ApplicationKey.Generated; pass clockwork.NewRealClock() in
// production and a clockwork.NewFakeClock() in tests that assert on it.
func NewInMemory(clock clockwork.Clock, log *logrus.Entry) *InMemory {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InMemory{
		clock:    clock,
		log:      log.WithField("component", "store"),
		keys:     make(map[credential.ApplicationParameter][]*credential.ApplicationKey),
		counters: make(map[credential.ApplicationParameter]Counter),
	}
}

// AddApplicationKey implements Store.
func (s *InMemory) AddApplicationKey(k *credential.ApplicationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *k
	stored.Generated = s.clock.Now()
	s.keys[k.Application] = append(s.keys[k.Application], &stored)

	s.log.WithFields(logrus.Fields{
		"application": applicationPrefix(k.Application),
		"credentials": len(s.keys[k.Application]),
	}).Info("stored application key")

	return nil
}

// RetrieveApplicationKey implements Store. Key-handle comparison is
// constant time via credential.KeyHandle.Equal.
func (s *InMemory) RetrieveApplicationKey(application credential.ApplicationParameter, handle credential.KeyHandle) (*credential.ApplicationKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *credential.ApplicationKey
	for _, k := range s.keys[application] {
		if k.Handle.Equal(handle) {
			found = k
			// Deliberately do not break: constant-time discipline means
			// every candidate handle in the slice is compared regardless
			// of whether an earlier one already matched.
		}
	}
	if found == nil {
		return nil, nil
	}

	clone := *found
	return &clone, nil
}

// GetThenIncrementCounter implements Store. It returns the value before
// incrementing on every call, including the first (which creates the
// counter at 0 and leaves it at 1).
func (s *InMemory) GetThenIncrementCounter(application credential.ApplicationParameter) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.counters[application]
	s.counters[application] = current + 1
	return current, nil
}

func applicationPrefix(app credential.ApplicationParameter) string {
	const n = 4
	return hex.EncodeToString(app[:n])
}
