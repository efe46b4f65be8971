// Package tcp is a peripheral test-harness transport for the U2F
// authenticator core: it is not part of the protocol the core itself
// implements, but gives the reference binary something real to drive the
// core with, analogous to a real token's HID/NFC/BLE transport.
//
// Framing is a uint16 big-endian length prefix followed by exactly that
// many bytes of APDU request (or response) payload.
package tcp

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/tstranex/u2fauth/apdu"
	"github.com/tstranex/u2fauth/authenticator"
)

// maxRequestSize bounds the length prefix so a malicious or buggy client
// cannot make the server allocate unbounded memory.
const maxRequestSize = 64 * 1024

// Server accepts APDU-over-TCP connections and drives a single
// Authenticator. Connections are accepted and read concurrently, but
// calls into the Authenticator are serialized through callMu: the core
// forbids concurrent calls against a single instance because it mutates
// its store through an exclusive reference.
type Server struct {
	listener net.Listener
	auth     *authenticator.Authenticator
	log      *logrus.Entry

	callMu chan struct{}
}

// NewServer wraps an already-listening net.Listener. Callers typically
// construct the listener with net.Listen("tcp", addr).
func NewServer(listener net.Listener, auth *authenticator.Authenticator, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		listener: listener,
		auth:     auth,
		log:      log.WithField("component", "transport.tcp"),
		callMu:   make(chan struct{}, 1),
	}
	s.callMu <- struct{}{}
	return s
}

// Serve accepts connections until the listener is closed or ctx-like
// cancellation happens via listener.Close() from another goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return trace.Wrap(err, "accepting connection")
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	connID := uuid.NewString()
	log := s.log.WithField("conn", connID)
	log.Info("connection accepted")
	defer func() {
		conn.Close()
		log.Info("connection closed")
	}()

	for {
		req, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Warn("reading request frame")
			}
			return
		}

		resp := s.call(req)

		if err := writeFrame(conn, resp); err != nil {
			log.WithError(err).Warn("writing response frame")
			return
		}
	}
}

// call serializes access to the shared Authenticator across connections,
// since the core mutates its store through an exclusive reference and
// forbids concurrent calls against a single instance.
func (s *Server) call(raw []byte) []byte {
	<-s.callMu
	defer func() { s.callMu <- struct{}{} }()

	req, err := apdu.Decode(raw)
	if err != nil {
		sw, ok := apdu.StatusWordOf(err)
		if !ok {
			sw = apdu.SWUnknownError
		}
		return apdu.EncodeStatus(sw)
	}
	return s.auth.Call(req)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > maxRequestSize {
		return nil, trace.BadParameter("request frame of %d bytes exceeds maximum %d", n, maxRequestSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return trace.Wrap(err)
	}
	if _, err := w.Write(payload); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
