package simplevote

import (
	"fmt"
	"net"
	"testing"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// startTestMQTTBroker starts an embedded MQTT broker for testing on the given port.
// The broker is closed when the test ends.
func startTestMQTTBroker(t *testing.T, port int) *mqttserver.Server {
	server := mqttserver.New(nil)

	err := server.AddHook(new(auth.AllowHook), nil)
	if err != nil {
		t.Fatalf("Failed to add auth hook to MQTT broker: %v", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("test-broker-%d", port),
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	err = server.AddListener(tcp)
	if err != nil {
		t.Fatalf("Failed to add listener to MQTT broker: %v", err)
	}

	go func() {
		err := server.Serve()
		if err != nil {
			t.Logf("MQTT broker stopped: %v", err)
		}
	}()
	t.Cleanup(func() { _ = server.Close() })

	return server
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// testConfig returns defaults rooted in a temp dir, with listeners on
// ephemeral loopback ports.
func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Votifier.Host = "127.0.0.1"
	cfg.Votifier.Port = 0
	return cfg
}

func testLedger(t *testing.T) *TokenLedger {
	t.Helper()
	l, err := OpenLedger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// recordingBroadcaster keeps announcements in memory.
type recordingBroadcaster struct {
	announced []Announcement
	err       error
}

func (r *recordingBroadcaster) Announce(a Announcement) error {
	r.announced = append(r.announced, a)
	return r.err
}

func (r *recordingBroadcaster) Close() {}
