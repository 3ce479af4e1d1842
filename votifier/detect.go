package votifier

import (
	"bufio"
	"unicode/utf8"

	"github.com/jellypudding/simplevote/utilities/keyring"
)

// Protocol is the Votifier dialect a connection speaks.
type Protocol int

const (
	ProtocolV1 Protocol = iota + 1
	ProtocolV2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return "unknown"
	}
}

// v2Magic is "s:", the prefix NuVotifier-style v2 senders put before the
// length-prefixed JSON.
var v2Magic = [2]byte{0x73, 0x3A}

// Detect classifies the stream without consuming anything. A JSON opener or
// the v2 magic means v2; everything else, including a stream that stalls
// before two bytes arrive, is treated as a v1 attempt.
func Detect(r *bufio.Reader) Protocol {
	head, _ := r.Peek(2)
	if len(head) >= 1 && head[0] == '{' {
		return ProtocolV2
	}
	if len(head) == 2 && head[0] == v2Magic[0] && head[1] == v2Magic[1] {
		return ProtocolV2
	}
	return ProtocolV1
}

// IsCiphertextBlock reports whether head is a full v1 block rather than the
// start of a v2 frame. A v2 frame is JSON text after its optional magic and
// length; a random ciphertext is practically never control-free UTF-8.
func IsCiphertextBlock(head []byte) bool {
	if len(head) < keyring.BlockSize {
		return false
	}
	body := head[:keyring.BlockSize]
	if body[0] == v2Magic[0] && body[1] == v2Magic[1] {
		body = body[4:]
	}
	for _, c := range body {
		if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
			return true
		}
	}
	// The block may end inside a multi-byte rune.
	for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(body); i++ {
		body = body[:len(body)-1]
	}
	return !utf8.Valid(body)
}
