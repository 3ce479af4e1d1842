package votifier

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jellypudding/simplevote/types"
	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/stretchr/testify/require"
)

var (
	sharedKeysOnce sync.Once
	sharedKeys     *keyring.Keyring
)

// testKeys returns a keyring shared by the whole package; 2048-bit key
// generation is too slow to repeat per test.
func testKeys(t *testing.T) *keyring.Keyring {
	t.Helper()
	sharedKeysOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, keyring.KeyBits)
		if err != nil {
			panic(err)
		}
		sharedKeys = keyring.FromPrivateKey(key)
	})
	return sharedKeys
}

// encryptV1 encrypts plaintext into a v1 block. Blocks that happen to start
// like a v2 frame are re-rolled so detection stays deterministic.
func encryptV1(t *testing.T, pub *rsa.PublicKey, plaintext string) []byte {
	t.Helper()
	for {
		block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
		require.NoError(t, err)
		require.Len(t, block, keyring.BlockSize)
		if block[0] != '{' && block[0] != v2Magic[0] && block[0] != proxyV2Signature[0] && block[0] != 'C' && block[0] != 'P' {
			return block
		}
	}
}

// encryptV1Starting encrypts plaintext until the block's first byte is lead,
// for blocks that collide with another protocol's opener.
func encryptV1Starting(t *testing.T, pub *rsa.PublicKey, plaintext string, lead byte) []byte {
	t.Helper()
	for i := 0; i < 100000; i++ {
		block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
		require.NoError(t, err)
		if block[0] == lead {
			return block
		}
	}
	t.Fatalf("no block starting with %#x", lead)
	return nil
}

func proxyV2Header(t *testing.T, addrLen int) []byte {
	t.Helper()
	hdr := append([]byte{}, proxyV2Signature...)
	hdr = append(hdr, 0x21, 0x11) // PROXY command, TCP over IPv4
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(addrLen))
	addr := make([]byte, addrLen)
	if addrLen >= 12 {
		copy(addr[0:4], net.IPv4(192, 0, 2, 1).To4())
		copy(addr[4:8], net.IPv4(10, 0, 0, 1).To4())
		binary.BigEndian.PutUint16(addr[8:10], 4000)
		binary.BigEndian.PutUint16(addr[10:12], DefaultPort)
	}
	return append(hdr, addr...)
}

type testServer struct {
	srv        *Server
	dispatcher *Dispatcher
	votes      chan types.Vote
	addr       string
}

func startTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	votes := make(chan types.Vote, 16)
	metrics := NewMetrics(nil)
	dispatcher := NewDispatcher(VoteHandlerFunc(func(ctx context.Context, v types.Vote) error {
		votes <- v
		return nil
	}), 16, metrics)
	dispatcher.Start()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(cfg, testKeys(t), dispatcher, metrics)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
		dispatcher.Stop(time.Second)
		select {
		case err := <-served:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after shutdown")
		}
	})

	return &testServer{srv: srv, dispatcher: dispatcher, votes: votes, addr: ln.Addr().String()}
}

func (ts *testServer) dial(t *testing.T) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	return conn.(*net.TCPConn)
}

func (ts *testServer) waitVote(t *testing.T) types.Vote {
	t.Helper()
	select {
	case v := <-ts.votes:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("no vote dispatched")
		return types.Vote{}
	}
}

func (ts *testServer) assertNoVote(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ts.votes:
		t.Fatalf("unexpected vote dispatched: %s", v)
	case <-time.After(wait):
	}
}
