package votifier

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerOf(b []byte) *bufio.Reader {
	return bufio.NewReaderSize(bytes.NewReader(b), readBufferSize)
}

func rest(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b)
}

func TestStripProxyV1(t *testing.T) {
	r := readerOf([]byte("PROXY TCP4 203.0.113.7 10.0.0.1 51000 8192\r\nVOTEDATA"))
	var out bytes.Buffer

	hdr, err := StripProxyHeader(r, &out)
	require.NoError(t, err)
	assert.Equal(t, ProxyV1, hdr.Kind)
	assert.Equal(t, "203.0.113.7:51000", hdr.Source)
	assert.Equal(t, "VOTEDATA", rest(t, r))
	assert.Zero(t, out.Len(), "PROXY v1 gets no reply")
}

func TestStripProxyV1Unknown(t *testing.T) {
	r := readerOf([]byte("PROXY UNKNOWN\r\n{}"))

	hdr, err := StripProxyHeader(r, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ProxyV1, hdr.Kind)
	assert.Empty(t, hdr.Source)
	assert.Equal(t, "{}", rest(t, r))
}

func TestStripProxyV2(t *testing.T) {
	data := append(proxyV2Header(t, 12), []byte("s:")...)
	r := readerOf(data)

	hdr, err := StripProxyHeader(r, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ProxyV2, hdr.Kind)
	assert.Equal(t, "192.0.2.1:4000", hdr.Source)
	assert.Equal(t, "s:", rest(t, r))
}

func TestStripProxyV2LargerThanBuffer(t *testing.T) {
	data := append(proxyV2Header(t, 5000), 'X')
	r := readerOf(data)

	hdr, err := StripProxyHeader(r, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ProxyV2, hdr.Kind)
	assert.Equal(t, "X", rest(t, r))
}

func TestStripProxyV2Truncated(t *testing.T) {
	for _, addrLen := range []int{0, 12, 36, 200, 5000} {
		full := proxyV2Header(t, addrLen)
		r := readerOf(full[:len(full)-1])

		hdr, err := StripProxyHeader(r, io.Discard)
		assert.ErrorIs(t, err, ErrTruncatedHeader, "declared address length %d", addrLen)
		assert.Equal(t, ProxyV2, hdr.Kind)
	}
}

func TestStripProxyV2PartialSignature(t *testing.T) {
	r := readerOf(proxyV2Signature[:5])

	_, err := StripProxyHeader(r, io.Discard)
	assert.ErrorIs(t, err, ErrTruncatedHeader)
}

func TestStripConnect(t *testing.T) {
	req := "CONNECT vote.example.org:8192 HTTP/1.1\r\nHost: vote.example.org:8192\r\nProxy-Connection: keep-alive\r\n\r\n"
	r := readerOf([]byte(req + "PAYLOAD"))
	var out bytes.Buffer

	hdr, err := StripProxyHeader(r, &out)
	require.NoError(t, err)
	assert.Equal(t, ProxyConnect, hdr.Kind)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n\r\n", out.String())
	assert.Equal(t, "PAYLOAD", rest(t, r))
}

func TestStripConnectWithoutTerminator(t *testing.T) {
	r := readerOf([]byte("CONNECT vote.example.org:8192 HTTP/1.1\r\nHost: x\r\n"))
	var out bytes.Buffer

	_, err := StripProxyHeader(r, &out)
	assert.ErrorIs(t, err, ErrTruncatedHeader)
	assert.Zero(t, out.Len())
}

func TestStripNothing(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"json", `{"payload":"{}"}`},
		{"magic", "s:\x00\x02{}"},
		{"short proxy-like", "PROX"},
		{"connect-like", "CONNEXION"},
		{"carriage return", "\r\nhello"},
		{"empty", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := readerOf([]byte(tc.data))
			hdr, err := StripProxyHeader(r, io.Discard)
			require.NoError(t, err)
			assert.Equal(t, ProxyNone, hdr.Kind)
			assert.Equal(t, tc.data, rest(t, r), "nothing consumed")
		})
	}
}

func TestReadLineLimit(t *testing.T) {
	r := readerOf([]byte("PROXY " + strings.Repeat("a", 2*maxPreambleLine) + "\n"))

	_, err := StripProxyHeader(r, io.Discard)
	assert.ErrorIs(t, err, ErrTruncatedHeader)
}
