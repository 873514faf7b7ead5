package session_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd/session"
	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

type fakeStore struct {
	devices  []usbdev.SharedDevice
	attached map[string]bool
}

func (s *fakeStore) ListShared() []usbdev.SharedDevice { return s.devices }

func (s *fakeStore) FindByBusID(busID string) (usbdev.SharedDevice, bool) {
	for _, d := range s.devices {
		if d.BusID != nil && d.BusID.String() == busID {
			if s.attached[d.GUID] {
				d.RemoteIP = "10.0.0.9"
			}
			return d, true
		}
	}
	return usbdev.SharedDevice{}, false
}

func (s *fakeStore) Persist(instanceID, description string) (string, error) { return instanceID, nil }

func (s *fakeStore) SetAttached(guid, busID, remoteIP, stubInstanceID string) (string, error) {
	if s.attached == nil {
		s.attached = map[string]bool{}
	}
	s.attached[guid] = true
	return guid, nil
}

func (s *fakeStore) SetDetached(guidOrHandle string) error {
	delete(s.attached, guidOrHandle)
	return nil
}

type fakeBinder struct{ iface usbdev.Interface }

func (b *fakeBinder) Claim(instanceID string) (usbdev.Interface, error) { return b.iface, nil }
func (b *fakeBinder) Release(iface usbdev.Interface) error              { return nil }

type alwaysAllow struct{}

func (alwaysAllow) AutoBindAllowed(usbdev.SharedDevice, string) bool { return true }

type fakeEnumerator struct{}

func (fakeEnumerator) Describe(dev usbdev.SharedDevice) (wire.ExportedDevice, error) {
	var exp wire.ExportedDevice
	copy(exp.BusID[:], dev.BusID.String())
	exp.Bus = uint32(dev.BusID.Bus)
	exp.Dev = uint32(dev.BusID.Port)
	exp.BNumInterfaces = 1
	exp.Interfaces = []wire.InterfaceDesc{{Class: 3}}
	return exp, nil
}

func testBusID() *usbdev.BusID { return &usbdev.BusID{Bus: 1, Port: 2} }

func TestRunSetupDevlist(t *testing.T) {
	store := &fakeStore{devices: []usbdev.SharedDevice{
		{InstanceID: "dev-1", GUID: "guid-1", BusID: testBusID()},
	}}
	col := session.Collaborators{Store: store, Binder: &fakeBinder{}, Policy: alwaysAllow{}, Enumerator: fakeEnumerator{}}

	var buf bytes.Buffer
	require.NoError(t, (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqDevlist}).Write(&buf))

	res, err := session.RunSetup(context.Background(), &buf, "10.0.0.1", col, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, res)

	pre, err := wire.ReadOpPreamble(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(wire.OpRepDevlist), pre.Op)

	count, err := wire.ReadDevListReplyHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count.NDevices)
}

func TestRunSetupImportSuccess(t *testing.T) {
	fake := usbdev.NewFakeInterface(nil)
	store := &fakeStore{devices: []usbdev.SharedDevice{
		{InstanceID: "dev-1", GUID: "guid-1", BusID: testBusID()},
	}}
	col := session.Collaborators{Store: store, Binder: &fakeBinder{iface: fake}, Policy: alwaysAllow{}, Enumerator: fakeEnumerator{}}

	var buf bytes.Buffer
	require.NoError(t, (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqImport}).Write(&buf))
	var busidField [wire.BusIDSize]byte
	copy(busidField[:], "1-2")
	buf.Write(busidField[:])

	res, err := session.RunSetup(context.Background(), &buf, "10.0.0.1", col, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, fake, res.Iface)
	assert.Equal(t, "1-2", res.BusID)
	assert.True(t, store.attached["guid-1"])

	pre, err := wire.ReadOpPreamble(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(wire.OpRepImport), pre.Op)
	assert.Equal(t, uint32(wire.StOK), pre.Status)
}

func TestRunSetupImportUnknownDeviceRespondsNoDev(t *testing.T) {
	store := &fakeStore{}
	col := session.Collaborators{Store: store, Binder: &fakeBinder{}, Policy: alwaysAllow{}, Enumerator: fakeEnumerator{}}

	var buf bytes.Buffer
	require.NoError(t, (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqImport}).Write(&buf))
	var busidField [wire.BusIDSize]byte
	copy(busidField[:], "9-9")
	buf.Write(busidField[:])

	res, err := session.RunSetup(context.Background(), &buf, "10.0.0.1", col, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, res)

	pre, err := wire.ReadOpPreamble(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.StNoDev), pre.Status)
}

func TestRunSetupImportAlreadyAttachedRespondsDevBusy(t *testing.T) {
	store := &fakeStore{devices: []usbdev.SharedDevice{
		{InstanceID: "dev-1", GUID: "guid-1", BusID: testBusID(), RemoteIP: "10.0.0.2"},
	}}
	col := session.Collaborators{Store: store, Binder: &fakeBinder{}, Policy: alwaysAllow{}, Enumerator: fakeEnumerator{}}

	var buf bytes.Buffer
	require.NoError(t, (wire.OpPreamble{Version: wire.Version, Op: wire.OpReqImport}).Write(&buf))
	var busidField [wire.BusIDSize]byte
	copy(busidField[:], "1-2")
	buf.Write(busidField[:])

	res, err := session.RunSetup(context.Background(), &buf, "10.0.0.1", col, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, res)

	pre, err := wire.ReadOpPreamble(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.StDevBusy), pre.Status)
}
