// Package natsutil holds helpers shared by the NATS-backed store and bus:
// an in-process server for development and tests, and KV bucket setup.
package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedOptions configures an in-process NATS server.
type EmbeddedOptions struct {
	// StoreDir holds JetStream data. Empty uses a server-chosen temp dir.
	StoreDir string
	// ReadyTimeout bounds how long Start waits for the listener.
	ReadyTimeout time.Duration
}

// StartEmbedded starts a NATS server with JetStream on a random local port and
// returns a connected client. Callers own both and must close the connection
// before shutting down the server.
func StartEmbedded(opts EmbeddedOptions) (*server.Server, *nats.Conn, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  opts.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(opts.ReadyTimeout) {
		ns.Shutdown()
		return nil, nil, errors.New("nats server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return ns, nc, nil
}

// Shutdown closes nc and stops ns, waiting for the server to exit.
func Shutdown(ns *server.Server, nc *nats.Conn) {
	if nc != nil {
		nc.Close()
	}
	if ns != nil {
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}
