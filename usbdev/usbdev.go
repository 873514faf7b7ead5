// Package usbdev defines the boundary between the URB multiplexer core and
// the host OS: the abstract Interface a claimed device exposes for
// submitting URBs, and the narrow collaborator interfaces (DeviceStore,
// DriverBinder, PolicyEngine, DeviceEnumerator) that the rest of the system
// is built from. None of these have a production implementation in this
// repository beyond registry.Store for DeviceStore — binding to a real
// kernel driver and reading real USB descriptors are genuinely external.
package usbdev

import (
	"context"
	"fmt"

	"github.com/usbip-go/usbipd/wire"
)

// errno-style negative statuses used in RET_SUBMIT/RET_UNLINK replies.
const (
	ErrnoBusy      int32 = -16
	ErrnoPipe      int32 = -32
	ErrnoProto     int32 = -71
	ErrnoTime      int32 = -62
	ErrnoOverflow  int32 = -75
	ErrnoConnReset int32 = -104
)

// TransferType mirrors the USB transfer types relevant to a submission.
type TransferType int

const (
	TransferControl TransferType = iota
	TransferInterrupt
	TransferBulk
	TransferIsochronous
)

// BusID identifies a device's position as bus:port. The zero value is the
// "incompatible hub" sentinel documented in spec.md §3 and is never Valid.
type BusID struct {
	Bus  uint16
	Port uint16
}

func (b BusID) String() string { return fmt.Sprintf("%d-%d", b.Bus, b.Port) }

func (b BusID) Valid() bool { return b.Bus != 0 && b.Port != 0 }

// VidPid identifies a device's vendor/product pair, formatted vvvv:pppp.
type VidPid struct {
	Vendor  uint16
	Product uint16
}

func (v VidPid) String() string { return fmt.Sprintf("%04x:%04x", v.Vendor, v.Product) }

// SharedDevice is a read-only view of a device known to the DeviceStore.
type SharedDevice struct {
	InstanceID     string
	Description    string
	GUID           string
	IsForced       bool
	BusID          *BusID
	RemoteIP       string // non-empty ⇔ currently attached to a remote client
	StubInstanceID string
}

// Attached reports whether the device is currently claimed by a remote client.
func (d SharedDevice) Attached() bool { return d.RemoteIP != "" }

// CompletionResult is what a Submit future resolves to.
type CompletionResult struct {
	Status         int32
	ActualLength   int32
	Buffer         []byte // populated for IN transfers
	IsoDescriptors []wire.IsoPacketDescriptor
	ErrorCount     int32
}

// SubmitRequest describes one URB to submit to the underlying device.
type SubmitRequest struct {
	Endpoint       uint32 // raw endpoint value as carried in the URB header's endpoint field, passed through unchanged
	Direction      uint32 // wire.DirIn or wire.DirOut
	Type           TransferType
	Flags          uint32
	Setup          [8]byte // meaningful only when Type == TransferControl
	Buffer         []byte  // OUT payload; for IN, len(Buffer)==0 and Length is used
	Length         int32   // requested transfer length (IN) or len(Buffer) (OUT)
	IsoDescriptors []wire.IsoPacketDescriptor
}

// Interface is the abstract handle to a claimed local USB device. A
// platform driver may only support cancelling all in-flight URBs on an
// endpoint at once (AbortEndpoint), not a single URB by sequence number;
// translating that coarse primitive into per-URB UNLINK semantics is
// EndpointPipeline's job, not Interface's.
type Interface interface {
	// Submit starts an asynchronous transfer and returns a channel that
	// receives exactly one CompletionResult. The channel is never closed
	// without a value; callers select on ctx.Done() for cancellation.
	Submit(ctx context.Context, req SubmitRequest) (<-chan CompletionResult, error)

	// AbortEndpoint best-effort cancels every URB currently in flight on
	// rawEndpoint. Idempotent: calling it with nothing outstanding is a
	// no-op. Completions for aborted URBs still arrive through Submit's
	// channel, carrying a cancelled status.
	AbortEndpoint(rawEndpoint uint32)

	// Close releases the underlying device handle. Idempotent.
	Close() error
}

// DeviceStore is the persistent-configuration collaborator: it tracks which
// local devices are shared, and which are currently attached to a remote
// client.
type DeviceStore interface {
	ListShared() []SharedDevice
	FindByBusID(busID string) (SharedDevice, bool)
	Persist(instanceID, description string) (guid string, err error)
	SetAttached(guid, busID, remoteIP, stubInstanceID string) (handle string, err error)
	SetDetached(guidOrHandle string) error
}

// DriverBinder binds and releases the platform's host driver for a device.
type DriverBinder interface {
	Claim(instanceID string) (Interface, error)
	Release(iface Interface) error
}

// PolicyEngine decides whether an unshared device may be auto-bound and
// exported to a given remote client on first import.
type PolicyEngine interface {
	AutoBindAllowed(dev SharedDevice, remoteIP string) bool
}

// DeviceEnumerator reads a device's real USB descriptors from the host OS.
type DeviceEnumerator interface {
	Describe(dev SharedDevice) (wire.ExportedDevice, error)
}
