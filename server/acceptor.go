// Package server implements ConnectionAcceptor: the TCP listener that
// dispatches each accepted connection through session.RunSetup and, on a
// successful OP_REQ_IMPORT, hands it to a session.Multiplexer for the rest
// of its lifetime.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"

	"github.com/usbip-go/usbipd/session"
)

// CaptureFactory opens a session.CaptureSink for a newly imported
// connection, or returns (nil, nil) when capture is disabled. It is called
// once per successful import, never per devlist query.
type CaptureFactory func(busID string, remoteAddr net.Addr) (session.CaptureSink, error)

// Acceptor is the USB/IP ConnectionAcceptor: it owns the listening socket
// and spawns one goroutine per accepted connection.
type Acceptor struct {
	cfg     Config
	col     session.Collaborators
	logger  *slog.Logger
	capture CaptureFactory

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup
}

// New creates an Acceptor. capture may be nil to disable packet capture
// entirely.
func New(cfg Config, col session.Collaborators, logger *slog.Logger, capture CaptureFactory) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{cfg: cfg, col: col, logger: logger, capture: capture, ready: make(chan struct{})}
}

// ListenAndServe binds the listen address and serves connections until ctx
// is cancelled or Shutdown is called. Returns nil on a clean shutdown.
func (a *Acceptor) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.readyOnce.Do(func() { close(a.ready) })
	a.logger.Info("usbipd listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				a.logger.Info("usbipd stopped")
				a.wg.Wait()
				return nil
			}
			a.logger.Error("accept error", "error", err)
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				a.logger.Warn("failed to set TCP_NODELAY", "error", err)
			}
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(ctx, conn)
		}()
	}
}

// Ready returns a channel closed once the listener is bound.
func (a *Acceptor) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound listen address, useful when Config.Addr used a
// ":0" ephemeral port. Empty until the listener has bound.
func (a *Acceptor) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Shutdown stops accepting new connections and waits for in-flight ones to
// drain after ctx is cancelled by the caller elsewhere driving sessions.
func (a *Acceptor) Shutdown() error {
	if a.ln == nil {
		return nil
	}
	err := a.ln.Close()
	a.wg.Wait()
	return err
}

func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// net.Conn reads ignore context cancellation; closing the connection on
	// shutdown is what actually unblocks a session's blocking read.
	closeOnDone := make(chan struct{})
	defer close(closeOnDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-closeOnDone:
		}
	}()

	remote := conn.RemoteAddr()
	remoteIP, _, _ := net.SplitHostPort(remote.String())

	res, err := session.RunSetup(ctx, conn, remoteIP, a.col, a.logger)
	if err != nil {
		if !isClientDisconnect(err) {
			a.logger.Error("setup failed", "remote", remote, "error", err)
		}
		return
	}
	if res == nil {
		// Devlist query, or import rejected with a status reply already sent.
		return
	}

	a.logger.Info("device imported", "remote", remote, "busid", res.BusID)

	var sink session.CaptureSink
	if a.capture != nil {
		sink, err = a.capture(res.BusID, remote)
		if err != nil {
			a.logger.Warn("capture sink unavailable", "busid", res.BusID, "error", err)
			sink = nil
		}
	}
	if closer, ok := sink.(io.Closer); ok {
		defer closer.Close()
	}

	mux := session.New(devIDFor(res.BusID), res.Iface, conn, a.logger, sink)
	if err := mux.Run(ctx); err != nil && !isClientDisconnect(err) {
		a.logger.Error("session ended with error", "remote", remote, "busid", res.BusID, "error", err)
	} else {
		a.logger.Info("session ended", "remote", remote, "busid", res.BusID)
	}

	// Every session end — clean disconnect, unplug, unbind, or I/O error —
	// must release what setup.go's Claim/SetAttached acquired, or the
	// device stays wedged at ST_DEV_BUSY for the next import.
	if err := a.col.Store.SetDetached(res.GUID); err != nil {
		a.logger.Warn("failed to mark device detached", "busid", res.BusID, "error", err)
	}
	if err := a.col.Binder.Release(res.Iface); err != nil {
		a.logger.Warn("failed to release device binder", "busid", res.BusID, "error", err)
	}
	_ = res.Iface.Close()
}

// devIDFor packs a "bus-port" busid string into the devid clients echo back
// on every URB header: busnum<<16 | devnum, matching the kernel's encoding.
func devIDFor(busID string) uint32 {
	var bus, dev uint32
	_, _ = fmt.Sscanf(busID, "%d-%d", &bus, &dev)
	return bus<<16 | dev
}

// isClientDisconnect reports whether err represents an ordinary client
// disconnect (EOF, ECONNRESET, broken pipe) rather than a genuine failure,
// so callers can log it at a quieter level.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			return errno == syscall.ECONNRESET || errno == syscall.EPIPE
		}
	}
	return false
}
