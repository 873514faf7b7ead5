package server

import "time"

// Config is the ConnectionAcceptor's subcommand configuration, adapted from
// the teacher's ServerConfig but generalized from a single fixed gadget
// port to the standard USB/IP port.
type Config struct {
	Addr              string        `kong:"help='USB/IP server listen address',default=':3240',env='USBIPD_ADDR'"`
	ConnectionTimeout time.Duration `kong:"help='idle deadline for the management handshake (not applied by the acceptor)',default='5s',env='USBIPD_CONN_TIMEOUT'"`
}
