// Package cmd holds the Kong command structs that make up the usbipd CLI,
// adapted from the teacher's internal/cmd package.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/usbip-go/usbipd/capture"
	"github.com/usbip-go/usbipd/config"
	"github.com/usbip-go/usbipd/procutil"
	"github.com/usbip-go/usbipd/registry"
	"github.com/usbip-go/usbipd/server"
	"github.com/usbip-go/usbipd/session"
	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

const lockFileName = "usbipd.lock"

// ShareConfig declares one local device to register with the registry at
// startup, identified by a host-specific instance ID a future DriverBinder
// implementation would resolve to a real device.
type ShareConfig struct {
	InstanceID  string `help:"host-specific device instance identifier" required:""`
	Description string `help:"human-readable description shown to usbip list clients"`
	Forced      bool   `help:"bypass the auto-bind policy for this device"`
}

// CaptureConfig controls the optional PcapNG capture sink.
type CaptureConfig struct {
	Dir     string `help:"directory to write one <busid>-<remote-host>-<timestamp>.pcapng file per session; empty disables capture"`
	SnapLen int    `help:"per-frame snapshot length" default:"65535"`
}

// Server is the Kong "server" subcommand: it runs the ConnectionAcceptor
// until interrupted.
type Server struct {
	server.Config `embed:""`
	Bus           uint16 `help:"virtual bus number assigned to shared devices" default:"1"`
	Capture CaptureConfig `embed:"" prefix:"capture."`
	Share   []ShareConfig `help:"devices to register as shared at startup (repeatable)"`
}

// Run is called by Kong when the server subcommand is executed.
func (s *Server) Run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.start(ctx, logger)
}

func (s *Server) start(ctx context.Context, logger *slog.Logger) error {
	lockDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("resolve lock file directory: %w", err)
	}
	if err := config.EnsureDir(path.Join(lockDir, lockFileName)); err != nil {
		return fmt.Errorf("create lock file directory: %w", err)
	}
	lock, err := procutil.AcquireLock(path.Join(lockDir, lockFileName))
	if err != nil {
		return fmt.Errorf("acquire single-instance lock: %w", err)
	}
	defer lock.Close()

	store := registry.NewStore(s.Bus)
	for _, share := range s.Share {
		guid, err := store.Persist(share.InstanceID, share.Description)
		if err != nil {
			return fmt.Errorf("register shared device %s: %w", share.InstanceID, err)
		}
		if share.Forced {
			if err := store.SetForced(guid, true); err != nil {
				return fmt.Errorf("force device %s: %w", share.InstanceID, err)
			}
		}
		logger.Info("device registered", "instance_id", share.InstanceID, "guid", guid)
	}

	col := session.Collaborators{
		Store:      store,
		Binder:     unboundBinder{},
		Policy:     forcedOnlyPolicy{},
		Enumerator: unboundEnumerator{},
	}

	var capFactory server.CaptureFactory
	if s.Capture.Dir != "" {
		if err := os.MkdirAll(s.Capture.Dir, 0o755); err != nil {
			return fmt.Errorf("create capture directory: %w", err)
		}
		capFactory = s.newCaptureFactory(logger)
	}

	acc := server.New(s.Config, col, logger, capFactory)
	return acc.ListenAndServe(ctx)
}

// newCaptureFactory opens one PcapNG file per imported session under
// Capture.Dir, named by bus ID and remote address.
func (s *Server) newCaptureFactory(logger *slog.Logger) server.CaptureFactory {
	return func(busID string, remoteAddr net.Addr) (session.CaptureSink, error) {
		host, _, _ := net.SplitHostPort(remoteAddr.String())
		name := fmt.Sprintf("%s-%s-%d.pcapng", busID, host, time.Now().UnixNano())
		f, err := os.Create(path.Join(s.Capture.Dir, name))
		if err != nil {
			return nil, err
		}
		w, err := capture.NewWriter(f, s.Capture.SnapLen, time.Now)
		if err != nil {
			f.Close()
			return nil, err
		}
		logger.Info("capture started", "busid", busID, "file", name)
		return &fileCaptureSink{Writer: w, f: f}, nil
	}
}

// fileCaptureSink closes the backing file alongside the PcapNG writer.
type fileCaptureSink struct {
	*capture.Writer
	f *os.File
}

func (c *fileCaptureSink) Close() error {
	err := c.Writer.Close()
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// unboundBinder, forcedOnlyPolicy and unboundEnumerator are the boundary
// this repository stops at: binding a real kernel driver and reading real
// descriptors are host-platform concerns outside its scope. The policy
// admits only devices an operator has pre-authorized with Share[].Forced;
// the binder and the enumerator refuse every device rather than fabricate
// one, so with these collaborators an import ends in ST_DEV_ERR and a
// devlist reply carries no device records.
type unboundBinder struct{}

func (unboundBinder) Claim(instanceID string) (usbdev.Interface, error) {
	return nil, fmt.Errorf("usbipd: no platform driver bound for device %s", instanceID)
}
func (unboundBinder) Release(usbdev.Interface) error { return nil }

type forcedOnlyPolicy struct{}

func (forcedOnlyPolicy) AutoBindAllowed(dev usbdev.SharedDevice, remoteIP string) bool {
	return dev.IsForced
}

type unboundEnumerator struct{}

func (unboundEnumerator) Describe(dev usbdev.SharedDevice) (wire.ExportedDevice, error) {
	return wire.ExportedDevice{}, fmt.Errorf("usbipd: no descriptor source bound for device %s", dev.InstanceID)
}
