package votifier

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/jellypudding/simplevote/types"
	"github.com/sirupsen/logrus"
)

// maxV2Frame caps how much of a v2 stream is buffered.
const maxV2Frame = 64 * 1024

// v2Envelope is the outer JSON object. Payload is itself JSON, encoded as
// a string so the signature covers its exact bytes.
type v2Envelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// v2Payload is the inner vote object.
type v2Payload struct {
	Username    string     `json:"username"`
	ServiceName string     `json:"serviceName"`
	Address     string     `json:"address"`
	Timestamp   flexString `json:"timestamp"`
	Challenge   *string    `json:"challenge"`
}

// flexString accepts a JSON string or number. Numbers are normalized to a
// decimal integer string; fractional parts are dropped.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("timestamp is neither string nor number: %s", truncate(string(data), 32))
	}
	if i, err := num.Int64(); err == nil {
		*f = flexString(strconv.FormatInt(i, 10))
		return nil
	}
	fl, err := num.Float64()
	if err != nil || math.IsNaN(fl) || math.IsInf(fl, 0) {
		return fmt.Errorf("timestamp out of range: %s", num)
	}
	*f = flexString(strconv.FormatInt(int64(fl), 10))
	return nil
}

// V2Options controls challenge handling.
type V2Options struct {
	// Challenge is the token sent in this connection's handshake.
	Challenge string
	// Strict rejects votes whose challenge does not match. Off by default:
	// several sites send slightly mangled challenges for legitimate votes.
	Strict bool
}

// readV2Frame reads until end of stream. It also stops as soon as the
// frame is provably complete (the magic-prefixed length is satisfied, or a
// bare JSON object is closed), for senders that keep the socket open
// waiting for our acknowledgement. A deadline with data in hand ends the
// frame too.
func readV2Frame(r *bufio.Reader) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 4096)

	for {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if len(buf) > maxV2Frame {
			return buf, fmt.Errorf("%w: v2 frame exceeds %d bytes", ErrMalformedFrame, maxV2Frame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf, nil
			}
			if isTimeout(err) {
				if len(buf) == 0 {
					return buf, fmt.Errorf("%w: no v2 data", ErrTimeout)
				}
				return buf, nil
			}
			return buf, err
		}
		if v2FrameComplete(buf) {
			return buf, nil
		}
	}
}

func v2FrameComplete(buf []byte) bool {
	if len(buf) >= 4 && buf[0] == v2Magic[0] && buf[1] == v2Magic[1] {
		declared := int(binary.BigEndian.Uint16(buf[2:4]))
		return len(buf) >= 4+declared
	}
	trimmed := bytes.TrimSpace(buf)
	return len(trimmed) > 0 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' && json.Valid(trimmed)
}

// DecodeV2 reads a v2 frame and parses the vote inside it. The raw frame
// is returned for diagnostics.
func DecodeV2(r *bufio.Reader, opts V2Options) (types.Vote, []byte, error) {
	raw, err := readV2Frame(r)
	if err != nil {
		return types.Vote{}, raw, err
	}
	vote, err := ParseV2Frame(raw, opts)
	return vote, raw, err
}

// ParseV2Frame decodes raw v2 bytes: optional magic, then the outermost
// JSON object found between the first '{' and the last '}'.
func ParseV2Frame(raw []byte, opts V2Options) (types.Vote, error) {
	if len(raw) >= 2 && raw[0] == v2Magic[0] && raw[1] == v2Magic[1] {
		raw = raw[2:]
	}

	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return types.Vote{}, fmt.Errorf("%w: no JSON object in %d bytes", ErrMalformedFrame, len(raw))
	}

	var env v2Envelope
	if err := json.Unmarshal(raw[start:end+1], &env); err != nil {
		return types.Vote{}, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}
	if env.Payload == "" {
		return types.Vote{}, fmt.Errorf("%w: missing payload", ErrMalformedFrame)
	}

	var p v2Payload
	if err := json.Unmarshal([]byte(env.Payload), &p); err != nil {
		return types.Vote{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	if p.Username == "" {
		return types.Vote{}, fmt.Errorf("%w: payload has no username", ErrMalformedFrame)
	}

	if p.Challenge != nil {
		got := strings.TrimSpace(*p.Challenge)
		if got != opts.Challenge {
			logrus.WithFields(logrus.Fields{
				"service":  p.ServiceName,
				"username": p.Username,
				"expected": opts.Challenge,
				"received": truncate(got, 32),
			}).Warn("v2 vote challenge mismatch")
			if opts.Strict {
				return types.Vote{}, ErrChallengeMismatch
			}
		}
	}

	return types.Vote{
		Username:    types.PlayerName(p.Username),
		ServiceName: types.ServiceName(p.ServiceName),
		Address:     p.Address,
		TimeStamp:   string(p.Timestamp),
	}, nil
}
