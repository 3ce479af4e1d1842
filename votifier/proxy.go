package votifier

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// ProxyKind identifies which preamble, if any, was stripped.
type ProxyKind int

const (
	ProxyNone ProxyKind = iota
	ProxyV1
	ProxyV2
	ProxyConnect
)

func (k ProxyKind) String() string {
	switch k {
	case ProxyV1:
		return "proxy-v1"
	case ProxyV2:
		return "proxy-v2"
	case ProxyConnect:
		return "http-connect"
	default:
		return "none"
	}
}

const (
	proxyV2HeaderLen = 16
	maxPreambleLine  = 4096
	maxConnectLines  = 64
)

var proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// ProxyHeader is the result of StripProxyHeader.
type ProxyHeader struct {
	Kind ProxyKind
	// Source is the original client address when the preamble carried one.
	Source string
}

// StripProxyHeader consumes at most one proxy preamble from r, leaving it
// positioned at the first protocol byte. Nothing is consumed when no
// preamble is recognized. For HTTP CONNECT the 200 response is written to w.
//
// Bytes are peeked only as far as needed to tell the forms apart, so a
// short preamble is not held up waiting for data the
// peer will only send after our handshake.
func StripProxyHeader(r *bufio.Reader, w io.Writer) (ProxyHeader, error) {
	first, _ := r.Peek(1)
	if len(first) == 0 {
		return ProxyHeader{Kind: ProxyNone}, nil
	}

	switch first[0] {
	case proxyV2Signature[0]:
		head, err := r.Peek(len(proxyV2Signature))
		if bytes.Equal(head, proxyV2Signature) {
			return stripProxyV2(r)
		}
		if bytes.HasPrefix(proxyV2Signature, head) {
			// Stream ended inside the signature.
			return ProxyHeader{Kind: ProxyV2}, fmt.Errorf("%w: %d bytes of signature: %v", ErrTruncatedHeader, len(head), err)
		}
	case 'C':
		if head, _ := r.Peek(len("CONNECT")); string(head) == "CONNECT" {
			return stripConnect(r, w)
		}
	case 'P':
		if head, _ := r.Peek(len("PROXY")); string(head) == "PROXY" {
			return stripProxyV1(r)
		}
	}
	return ProxyHeader{Kind: ProxyNone}, nil
}

func stripProxyV1(r *bufio.Reader) (ProxyHeader, error) {
	line, err := readLine(r)
	if err != nil {
		return ProxyHeader{Kind: ProxyV1}, fmt.Errorf("%w: proxy v1 line: %v", ErrTruncatedHeader, err)
	}
	// PROXY TCP4 <src> <dst> <srcport> <dstport>
	hdr := ProxyHeader{Kind: ProxyV1}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) >= 5 && fields[1] != "UNKNOWN" {
		hdr.Source = net.JoinHostPort(fields[2], fields[4])
	}
	return hdr, nil
}

func stripProxyV2(r *bufio.Reader) (ProxyHeader, error) {
	hdr := ProxyHeader{Kind: ProxyV2}

	fixed, err := r.Peek(proxyV2HeaderLen)
	if len(fixed) < proxyV2HeaderLen {
		return hdr, fmt.Errorf("%w: have %d of %d fixed bytes: %v", ErrTruncatedHeader, len(fixed), proxyV2HeaderLen, err)
	}
	family := fixed[13]
	total := proxyV2HeaderLen + int(binary.BigEndian.Uint16(fixed[14:16]))

	// The address block may be larger than the read buffer, so decode what
	// fits and discard the rest.
	if full, _ := r.Peek(min(total, r.Size())); len(full) == total {
		hdr.Source = proxyV2Source(family, full[proxyV2HeaderLen:])
	}

	n, err := r.Discard(total)
	if n < total {
		return hdr, fmt.Errorf("%w: declared %d bytes, got %d: %v", ErrTruncatedHeader, total, n, err)
	}
	return hdr, nil
}

func proxyV2Source(family byte, addr []byte) string {
	switch family >> 4 {
	case 0x1: // AF_INET
		if len(addr) >= 12 {
			ip := net.IP(addr[0:4])
			port := binary.BigEndian.Uint16(addr[8:10])
			return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		}
	case 0x2: // AF_INET6
		if len(addr) >= 36 {
			ip := net.IP(addr[0:16])
			port := binary.BigEndian.Uint16(addr[32:34])
			return net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
		}
	}
	return ""
}

func stripConnect(r *bufio.Reader, w io.Writer) (ProxyHeader, error) {
	hdr := ProxyHeader{Kind: ProxyConnect}

	if _, err := readLine(r); err != nil {
		return hdr, fmt.Errorf("%w: connect request line: %v", ErrTruncatedHeader, err)
	}
	for i := 0; ; i++ {
		if i >= maxConnectLines {
			return hdr, fmt.Errorf("%w: too many connect header lines", ErrMalformedFrame)
		}
		line, err := readLine(r)
		if err != nil {
			return hdr, fmt.Errorf("%w: connect headers: %v", ErrTruncatedHeader, err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	if _, err := w.Write(connectEstablished); err != nil {
		return hdr, fmt.Errorf("write connect response: %w", err)
	}
	return hdr, nil
}

var errLineTooLong = errors.New("line too long")

// readLine reads through the next '\n', refusing to buffer an unbounded line.
func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, err := r.ReadSlice('\n')
		sb.Write(chunk)
		if sb.Len() > maxPreambleLine {
			return "", errLineTooLong
		}
		if err == nil {
			return sb.String(), nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return "", err
		}
	}
}
