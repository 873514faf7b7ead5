package server_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd/internal/testclient"
	"github.com/usbip-go/usbipd/server"
	"github.com/usbip-go/usbipd/session"
	"github.com/usbip-go/usbipd/usbdev"
	"github.com/usbip-go/usbipd/wire"
)

type fakeStore struct{ devices []usbdev.SharedDevice }

func (s *fakeStore) ListShared() []usbdev.SharedDevice { return s.devices }
func (s *fakeStore) FindByBusID(busID string) (usbdev.SharedDevice, bool) {
	for _, d := range s.devices {
		if d.BusID != nil && d.BusID.String() == busID {
			return d, true
		}
	}
	return usbdev.SharedDevice{}, false
}
func (s *fakeStore) Persist(instanceID, description string) (string, error) { return instanceID, nil }
func (s *fakeStore) SetAttached(guid, busID, remoteIP, stubInstanceID string) (string, error) {
	return guid, nil
}
func (s *fakeStore) SetDetached(guidOrHandle string) error { return nil }

type fakeBinder struct{ iface usbdev.Interface }

func (b *fakeBinder) Claim(instanceID string) (usbdev.Interface, error) { return b.iface, nil }
func (b *fakeBinder) Release(iface usbdev.Interface) error              { return nil }

type alwaysAllow struct{}

func (alwaysAllow) AutoBindAllowed(usbdev.SharedDevice, string) bool { return true }

type fakeEnumerator struct{}

func (fakeEnumerator) Describe(dev usbdev.SharedDevice) (wire.ExportedDevice, error) {
	var exp wire.ExportedDevice
	copy(exp.BusID[:], dev.BusID.String())
	exp.IDVendor, exp.IDProduct = 0x1234, 0x5678
	exp.BNumInterfaces = 1
	exp.Interfaces = []wire.InterfaceDesc{{Class: 3}}
	return exp, nil
}

func TestAcceptorDevlistAndAttachEndToEnd(t *testing.T) {
	fake := usbdev.NewFakeInterface(nil)
	busID := usbdev.BusID{Bus: 1, Port: 1}
	store := &fakeStore{devices: []usbdev.SharedDevice{{InstanceID: "dev-1", GUID: "g1", BusID: &busID}}}
	col := session.Collaborators{Store: store, Binder: &fakeBinder{iface: fake}, Policy: alwaysAllow{}, Enumerator: fakeEnumerator{}}

	acc := server.New(server.Config{Addr: "127.0.0.1:0"}, col, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- acc.ListenAndServe(ctx) }()

	select {
	case <-acc.Ready():
	case <-time.After(time.Second):
		t.Fatal("acceptor never became ready")
	}

	addr := acc.Addr()
	client := testclient.New(addr)

	devices, err := client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "1-1", devices[0].BusID)

	att, err := client.Attach("1-1")
	require.NoError(t, err)
	defer att.Conn.Close()
	assert.Equal(t, "1-1", att.Dev.BusID)

	seqnum, err := att.Submit(wire.DirIn, 0x81, make([]byte, 0, 4), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fake.PendingCount(0x81) == 1 }, time.Second, time.Millisecond)
	fake.Complete(0x81, usbdev.CompletionResult{Status: 0, ActualLength: 4, Buffer: []byte{1, 2, 3, 4}})

	reply, err := att.ReadReply(time.Second)
	require.NoError(t, err)
	assert.Equal(t, seqnum, reply.Seqnum)
	assert.Equal(t, int32(0), reply.Status)
	assert.Equal(t, []byte{1, 2, 3, 4}, reply.Payload)

	cancel()
	select {
	case <-serveErr:
	case <-time.After(time.Second):
		t.Fatal("ListenAndServe did not return after shutdown")
	}
}
