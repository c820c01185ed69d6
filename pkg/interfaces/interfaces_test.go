package interfaces_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

// Mock implementations for testing

type mockConnection struct {
	mu       sync.Mutex
	uuid     string
	deviceID string
}

func (m *mockConnection) ID() string                { return "mock" }
func (m *mockConnection) Send(v interface{}) error  { return nil }
func (m *mockConnection) SendRaw(data []byte) error { return nil }
func (m *mockConnection) Close() error              { return nil }
func (m *mockConnection) RemoteAddr() string        { return "127.0.0.1" }
func (m *mockConnection) SetIdentity(uuid, deviceID string, _ types.DeviceType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuid, m.deviceID = uuid, deviceID
}
func (m *mockConnection) Identity() (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uuid, m.deviceID, m.deviceID != ""
}
func (m *mockConnection) ClearIdentity(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceID == deviceID {
		m.uuid, m.deviceID = "", ""
	}
}

type mockCodec struct{}

func (mockCodec) Name() string                               { return "mock" }
func (mockCodec) Encode(string, []byte, int) ([]byte, error) { return nil, nil }
func (mockCodec) Decode(string, []byte) ([]byte, error)      { return nil, nil }
func (mockCodec) Release(string)                             {}

type mockBanStore struct{}

func (mockBanStore) SaveBan(context.Context, interfaces.Ban) error { return nil }
func (mockBanStore) DeleteBan(context.Context, string) error       { return nil }
func (mockBanStore) ActiveBans(context.Context, time.Time) ([]interfaces.Ban, error) {
	return nil, nil
}
func (mockBanStore) PurgeExpiredBans(context.Context, time.Time) (int64, error) { return 0, nil }
func (mockBanStore) HealthCheck(context.Context) error                          { return nil }
func (mockBanStore) Close() error                                               { return nil }

type mockHandler struct{}

func (mockHandler) HandleFrame(context.Context, interfaces.Connection, []byte) {}
func (mockHandler) HandleDisconnect(interfaces.Connection)                     {}

// TestInterfaceCompliance verifies the mocks satisfy every interface
func TestInterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = (*mockConnection)(nil)
	var _ interfaces.Codec = mockCodec{}
	var _ interfaces.BanStore = mockBanStore{}
	var _ interfaces.FrameHandler = mockHandler{}
}

func TestMockConnectionIdentity(t *testing.T) {
	c := &mockConnection{}
	if _, _, ok := c.Identity(); ok {
		t.Fatal("fresh connection should have no identity")
	}
	c.SetIdentity("u1", "d1", types.DeviceDesktop)
	uuid, dev, ok := c.Identity()
	if !ok || uuid != "u1" || dev != "d1" {
		t.Fatalf("Identity() = %q %q %v", uuid, dev, ok)
	}
	c.ClearIdentity("other")
	if _, _, ok := c.Identity(); !ok {
		t.Fatal("clearing a different device must keep the identity")
	}
	c.ClearIdentity("d1")
	if _, _, ok := c.Identity(); ok {
		t.Fatal("identity should be cleared")
	}
}
