// Command u2fauth runs a reference U2F authenticator over a TCP test
// transport: an in-memory secret store, the embedded development
// attestation material, and an auto-approving presence implementation.
// It exists to exercise the authenticator core end to end; it is not a
// substitute for a real HID/NFC/BLE token.
package main

import (
	"net"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tstranex/u2fauth/authenticator"
	"github.com/tstranex/u2fauth/crypto"
	"github.com/tstranex/u2fauth/presence"
	"github.com/tstranex/u2fauth/store"
	"github.com/tstranex/u2fauth/transport/tcp"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "u2fauth",
		Short: "Run a reference U2F authenticator over a TCP test transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			entry := logrus.NewEntry(log)

			ops, err := crypto.NewSoftwareOperations()
			if err != nil {
				return err
			}

			secretStore := store.NewInMemory(clockwork.NewRealClock(), entry)
			auth := authenticator.New(ops, secretStore, presence.AutoApprove{}, entry)

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			entry.WithField("addr", listener.Addr().String()).Info("u2fauth listening")

			server := tcp.NewServer(listener, auth, entry)
			return server.Serve()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7867", "address to listen for APDU-over-TCP connections on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}
