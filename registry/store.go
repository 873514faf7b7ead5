// Package registry implements usbdev.DeviceStore: the bookkeeping of which
// local devices are shared, their assigned bus/port, and which remote
// client currently holds each one attached. Bus/port allocation is
// adapted from the teacher's VirtualBus auto-numbering scheme, generalized
// from one-bus-per-virtual-gadget to one shared store across every real
// local device this host exports.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/usbip-go/usbipd/usbdev"
)

// record is the store's internal representation of one shared device.
type record struct {
	dev      usbdev.SharedDevice
	attached bool
}

// Store is an in-memory, mutex-guarded usbdev.DeviceStore. Persistence
// across restarts is out of scope (see DESIGN.md); every Persist call in a
// fresh process starts from an empty bus.
type Store struct {
	mu sync.Mutex

	bus        uint16
	nextPort   uint16
	allocated  map[uint16]bool
	byGUID     map[string]*record
	byInstance map[string]*record
}

// NewStore creates a Store rooted at the given virtual bus number; a zero
// bus is replaced by 1. Each shared device gets the lowest free port,
// starting at 1.
func NewStore(bus uint16) *Store {
	if bus == 0 {
		bus = 1
	}
	return &Store{
		bus:        bus,
		allocated:  make(map[uint16]bool),
		byGUID:     make(map[string]*record),
		byInstance: make(map[string]*record),
	}
}

// ListShared implements usbdev.DeviceStore.
func (s *Store) ListShared() []usbdev.SharedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]usbdev.SharedDevice, 0, len(s.byGUID))
	for _, r := range s.byGUID {
		out = append(out, r.dev)
	}
	return out
}

// FindByBusID implements usbdev.DeviceStore.
func (s *Store) FindByBusID(busID string) (usbdev.SharedDevice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byGUID {
		if r.dev.BusID != nil && r.dev.BusID.String() == busID {
			return r.dev, true
		}
	}
	return usbdev.SharedDevice{}, false
}

// Persist implements usbdev.DeviceStore, allocating a fresh bus:port pair
// and GUID for a device identified by its host instance ID.
func (s *Store) Persist(instanceID, description string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.byInstance[instanceID]; exists {
		return r.dev.GUID, nil
	}

	port, err := s.allocatePortLocked()
	if err != nil {
		return "", err
	}
	busID := usbdev.BusID{Bus: s.bus, Port: port}
	guid := uuid.NewString()

	r := &record{dev: usbdev.SharedDevice{
		InstanceID:     instanceID,
		Description:    description,
		GUID:           guid,
		BusID:          &busID,
		StubInstanceID: fmt.Sprintf("usbip-%s", guid),
	}}
	s.byGUID[guid] = r
	s.byInstance[instanceID] = r
	return guid, nil
}

// SetAttached implements usbdev.DeviceStore. busID is validated against the
// record's own bus:port to catch a stale client retrying an import against
// a device that has since been re-shared under a new port.
func (s *Store) SetAttached(guid, busID, remoteIP, stubInstanceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byGUID[guid]
	if !ok {
		return "", fmt.Errorf("registry: unknown device %s", guid)
	}
	if r.dev.BusID == nil || r.dev.BusID.String() != busID {
		return "", fmt.Errorf("registry: busid %s does not match device %s", busID, guid)
	}
	if r.attached {
		return "", fmt.Errorf("registry: device %s already attached", guid)
	}
	r.attached = true
	r.dev.RemoteIP = remoteIP
	if stubInstanceID != "" {
		r.dev.StubInstanceID = stubInstanceID
	}
	return guid, nil
}

// SetDetached implements usbdev.DeviceStore.
func (s *Store) SetDetached(guidOrHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byGUID[guidOrHandle]
	if !ok {
		return fmt.Errorf("registry: unknown device %s", guidOrHandle)
	}
	r.attached = false
	r.dev.RemoteIP = ""
	return nil
}

// Forget removes a device from the store entirely, freeing its port for
// reuse. Used when the host reports the underlying device unplugged.
func (s *Store) Forget(guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byGUID[guid]
	if !ok {
		return fmt.Errorf("registry: unknown device %s", guid)
	}
	delete(s.byGUID, guid)
	delete(s.byInstance, r.dev.InstanceID)
	if r.dev.BusID != nil {
		delete(s.allocated, r.dev.BusID.Port)
	}
	return nil
}

// SetForced marks a shared device as always-bindable, bypassing
// usbdev.PolicyEngine on import. Used for devices an operator has
// explicitly pre-authorized for any remote client.
func (s *Store) SetForced(guid string, forced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byGUID[guid]
	if !ok {
		return fmt.Errorf("registry: unknown device %s", guid)
	}
	r.dev.IsForced = forced
	return nil
}

func (s *Store) allocatePortLocked() (uint16, error) {
	for port := uint16(1); port < 65535; port++ {
		if !s.allocated[port] {
			s.allocated[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("registry: bus %d has no free ports", s.bus)
}
