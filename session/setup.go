package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

// SetupResult is what a successful OP_REQ_IMPORT handshake hands back to
// the connection acceptor so it can start a Multiplexer on the same
// connection. A devlist-only handshake returns (nil, nil): the connection
// is expected to be closed by the caller once the reply has been flushed.
type SetupResult struct {
	Iface usbdev.Interface
	Dev   wire.ExportedDevice
	BusID string
	GUID  string
}

// Collaborators bundles the external interfaces SessionSetup needs to
// resolve an OP_REQ_IMPORT. All four are genuinely external per spec.md §6;
// this repository only ships a production DeviceStore (registry.Store).
type Collaborators struct {
	Store       usbdev.DeviceStore
	Binder      usbdev.DriverBinder
	Policy      usbdev.PolicyEngine
	Enumerator  usbdev.DeviceEnumerator
}

// RunSetup performs exactly one management-op handshake on conn: either
// OP_REQ_DEVLIST (reply then the caller closes) or OP_REQ_IMPORT (reply
// then the caller hands conn to a Multiplexer). Any other op, or a version
// mismatch surfaced by wire.ReadOpPreamble, is ErrInvalidProtocol.
func RunSetup(ctx context.Context, conn io.ReadWriter, remoteIP string, col Collaborators, logger *slog.Logger) (*SetupResult, error) {
	pre, err := wire.ReadOpPreamble(conn)
	if err != nil {
		return nil, err
	}

	switch pre.Op {
	case wire.OpReqDevlist:
		return nil, handleDevlist(conn, col, logger)
	case wire.OpReqImport:
		return handleImport(conn, remoteIP, col, logger)
	default:
		return nil, fmt.Errorf("%w: unexpected op %#04x", wire.ErrInvalidProtocol, pre.Op)
	}
}

func handleDevlist(conn io.ReadWriter, col Collaborators, logger *slog.Logger) error {
	shared := col.Store.ListShared()

	// Describe every device first so the count sent matches the records
	// that follow it; devices that cannot be described are left out.
	described := make([]wire.ExportedDevice, 0, len(shared))
	for _, dev := range shared {
		exp, err := col.Enumerator.Describe(dev)
		if err != nil {
			logger.Warn("devlist: describing shared device failed", "instance", dev.InstanceID, "error", err)
			continue
		}
		described = append(described, exp)
	}

	if err := (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepDevlist, Status: wire.StOK}).Write(conn); err != nil {
		return err
	}
	if err := (wire.DevListReplyHeader{NDevices: uint32(len(described))}).Write(conn); err != nil {
		return err
	}
	for i := range described {
		if err := described[i].WriteDevlist(conn); err != nil {
			return err
		}
	}
	return nil
}

func handleImport(conn io.ReadWriter, remoteIP string, col Collaborators, logger *slog.Logger) (*SetupResult, error) {
	var busidBuf [wire.BusIDSize]byte
	if err := wire.ReadFull(conn, busidBuf[:]); err != nil {
		return nil, err
	}
	busid := string(bytes.TrimRight(busidBuf[:], "\x00"))

	dev, ok := col.Store.FindByBusID(busid)
	status := wire.StOK
	switch {
	case !ok:
		status = wire.StNoDev
	case dev.Attached():
		status = wire.StDevBusy
	case !dev.IsForced && !col.Policy.AutoBindAllowed(dev, remoteIP):
		status = wire.StNA
	}

	if status != wire.StOK {
		if err := (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepImport, Status: uint32(status)}).Write(conn); err != nil {
			return nil, err
		}
		return nil, nil
	}

	iface, err := col.Binder.Claim(dev.InstanceID)
	if err != nil {
		logger.Error("import: claiming device failed", "instance", dev.InstanceID, "error", err)
		_ = (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepImport, Status: wire.StDevErr}).Write(conn)
		return nil, nil
	}

	exp, err := col.Enumerator.Describe(dev)
	if err != nil {
		logger.Error("import: describing device failed", "instance", dev.InstanceID, "error", err)
		_ = col.Binder.Release(iface)
		_ = (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepImport, Status: wire.StDevErr}).Write(conn)
		return nil, nil
	}

	handle, err := col.Store.SetAttached(dev.GUID, busid, remoteIP, dev.StubInstanceID)
	if err != nil {
		logger.Error("import: marking device attached failed", "instance", dev.InstanceID, "error", err)
		_ = col.Binder.Release(iface)
		_ = (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepImport, Status: wire.StDevErr}).Write(conn)
		return nil, nil
	}

	if err := (wire.OpPreamble{Version: wire.Version, Op: wire.OpRepImport, Status: wire.StOK}).Write(conn); err != nil {
		_ = col.Store.SetDetached(handle)
		_ = col.Binder.Release(iface)
		return nil, err
	}
	if err := exp.WriteImport(conn); err != nil {
		_ = col.Store.SetDetached(handle)
		_ = col.Binder.Release(iface)
		return nil, err
	}

	return &SetupResult{Iface: iface, Dev: exp, BusID: busid, GUID: handle}, nil
}
