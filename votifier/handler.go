package votifier

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellypudding/simplevote/types"
	"github.com/jellypudding/simplevote/utilities"
	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/sirupsen/logrus"
)

const (
	readBufferSize    = 4096
	challengeLength   = 16
	hexPreviewBytes   = 32
	handshakeTemplate = "VOTIFIER 2 %s\n"
)

type sessionState string

const (
	stateAccepted      sessionState = "accepted"
	stateHeaderStrip   sessionState = "header_strip"
	stateHandshakeSent sessionState = "handshake_sent"
	stateDetecting     sessionState = "detecting"
	stateDecodingV1    sessionState = "decoding_v1"
	stateDecodingV2    sessionState = "decoding_v2"
	stateDispatched    sessionState = "dispatched"
	stateFailed        sessionState = "failed"
	stateClosed        sessionState = "closed"
)

// newChallenge returns a 16 character token: a random UUID with the dashes
// removed, truncated.
func newChallenge() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:challengeLength]
}

// session is everything known about one accepted connection.
type session struct {
	srv       *Server
	conn      net.Conn
	r         *bufio.Reader
	challenge string
	remote    string

	state    sessionState
	proxy    ProxyHeader
	protocol Protocol
	raw      []byte
	started  time.Time
}

func (s *Server) newSession(conn net.Conn) *session {
	return &session{
		srv:       s,
		conn:      conn,
		r:         bufio.NewReaderSize(conn, readBufferSize),
		challenge: s.challenge(),
		remote:    conn.RemoteAddr().String(),
		state:     stateAccepted,
		started:   time.Now(),
	}
}

// handle runs one connection to completion. It never returns an error: every
// failure is logged here and the socket is closed on the way out.
func (ss *session) handle() {
	m := ss.srv.metrics
	m.connectionOpened()

	defer func() {
		if err := utilities.RecoverAndReport(recover(), "votifier connection"); err != nil {
			ss.fail(err)
		}
		_ = ss.conn.Close()
		ss.state = stateClosed
		m.connectionClosed(time.Since(ss.started))
	}()

	vote, err := ss.run()
	if err != nil {
		ss.fail(err)
		return
	}

	if err := ss.srv.dispatcher.Deliver(vote, ss.conn); err != nil {
		ss.fail(err)
		return
	}
	ss.state = stateDispatched
	m.voteDecoded(ss.protocol)

	logrus.WithFields(ss.fields()).Debugf("received vote: %s", vote)
}

func (ss *session) run() (types.Vote, error) {
	cfg := ss.srv.cfg

	// Some v1 senders write their block without waiting for a handshake, so
	// look briefly for data that is already on the wire.
	ss.setDeadline(cfg.EarlyDataWindow)
	early, _ := ss.r.Peek(keyring.BlockSize)

	stripped := false
	if len(early) > 0 {
		if err := ss.strip(); err != nil {
			return types.Vote{}, err
		}
		stripped = true
		if n := ss.r.Buffered(); n > 0 && n < keyring.BlockSize {
			ss.setDeadline(cfg.EarlyDataWindow)
			_, _ = ss.r.Peek(keyring.BlockSize)
		}
	}

	// Load balancers send their preamble on connect, so by now the source
	// it names is known.
	if err := ss.admit(); err != nil {
		return types.Vote{}, err
	}

	if ss.r.Buffered() >= keyring.BlockSize {
		logrus.WithFields(ss.fields()).Debug("v1 block buffered before handshake")
		return ss.decode(ProtocolV1)
	}

	if err := ss.handshake(); err != nil {
		return types.Vote{}, err
	}

	if !stripped {
		if err := ss.strip(); err != nil {
			return types.Vote{}, err
		}
		// The tunnel client discards everything before its 200, so it
		// needs the handshake again.
		if ss.proxy.Kind == ProxyConnect {
			if err := ss.handshake(); err != nil {
				return types.Vote{}, err
			}
		}
	}

	ss.state = stateDetecting
	return ss.decode(ss.detect())
}

// handshake sends the greeting and waits for the peer's first byte.
func (ss *session) handshake() error {
	cfg := ss.srv.cfg

	ss.setDeadline(cfg.ReadTimeout)
	if _, err := fmt.Fprintf(ss.conn, handshakeTemplate, ss.challenge); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	ss.state = stateHandshakeSent

	ss.setDeadline(cfg.HandshakeTimeout)
	if first, err := ss.r.Peek(1); len(first) == 0 {
		if err == nil || errors.Is(err, io.EOF) || isTimeout(err) {
			return fmt.Errorf("%w: no data after handshake", ErrTimeout)
		}
		return err
	}
	ss.setDeadline(cfg.ReadTimeout)
	return nil
}

// admit applies the per-source rate limit.
func (ss *session) admit() error {
	source := ss.remote
	if ss.proxy.Source != "" {
		source = ss.proxy.Source
	}
	if !ss.srv.limiter.allow(source) {
		return fmt.Errorf("%w: %s", ErrRateLimited, sourceHost(source))
	}
	return nil
}

// detect classifies the stream, then double-checks v2 verdicts: a v1
// ciphertext can start with '{' or the v2 magic by chance.
func (ss *session) detect() Protocol {
	p := Detect(ss.r)
	if p != ProtocolV2 {
		return p
	}
	ss.setDeadline(ss.srv.cfg.EarlyDataWindow)
	head, _ := ss.r.Peek(keyring.BlockSize)
	ss.setDeadline(ss.srv.cfg.ReadTimeout)
	if IsCiphertextBlock(head) {
		logrus.WithFields(ss.fields()).Debug("v2-looking block is a v1 ciphertext")
		return ProtocolV1
	}
	return p
}

func (ss *session) strip() error {
	ss.state = stateHeaderStrip
	ss.setDeadline(ss.srv.cfg.ReadTimeout)

	hdr, err := StripProxyHeader(ss.r, ss.conn)
	ss.proxy = hdr
	if err != nil {
		return err
	}
	if hdr.Kind != ProxyNone {
		ss.srv.metrics.proxyStripped(hdr.Kind)
		logrus.WithFields(ss.fields()).Debugf("stripped %s preamble", hdr.Kind)
	}
	return nil
}

func (ss *session) decode(p Protocol) (types.Vote, error) {
	ss.protocol = p
	ss.setDeadline(ss.srv.cfg.ReadTimeout)

	var (
		vote types.Vote
		err  error
	)
	switch p {
	case ProtocolV2:
		ss.state = stateDecodingV2
		vote, ss.raw, err = DecodeV2(ss.r, V2Options{
			Challenge: ss.challenge,
			Strict:    ss.srv.cfg.StrictChallenge,
		})
	default:
		ss.state = stateDecodingV1
		vote, ss.raw, err = DecodeV1(ss.r, ss.srv.keys)
	}
	return vote, err
}

func (ss *session) fail(err error) {
	failedIn := ss.state
	ss.state = stateFailed

	kind := errorKind(err)
	ss.srv.metrics.connectionRejected(kind)

	fields := ss.fields()
	fields["state"] = failedIn
	fields["reason"] = kind
	if ss.srv.cfg.Debug && len(ss.raw) > 0 {
		fields["hex"] = hexPreview(ss.raw, hexPreviewBytes)
	}
	logrus.WithFields(fields).WithError(err).Log(errorLevel(err), "vote connection rejected")

	if errors.Is(err, ErrQueueFull) {
		utilities.Report(err, map[string]interface{}{"remote": ss.remote})
	}
}

func (ss *session) fields() logrus.Fields {
	f := logrus.Fields{
		"remote": ss.remote,
		"bytes":  len(ss.raw),
	}
	if ss.proxy.Kind != ProxyNone {
		f["proxy"] = ss.proxy.Kind.String()
	}
	if ss.proxy.Source != "" {
		f["source"] = ss.proxy.Source
	}
	if ss.protocol != 0 {
		f["protocol"] = ss.protocol.String()
	}
	return f
}

func (ss *session) setDeadline(d time.Duration) {
	_ = ss.conn.SetDeadline(time.Now().Add(d))
}

func hexPreview(data []byte, limit int) string {
	if len(data) <= limit {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:limit]) + "..."
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
