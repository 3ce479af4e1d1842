package votifier

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jellypudding/simplevote/types"
	"github.com/jellypudding/simplevote/utilities/keyring"
)

const (
	v1Opcode = "VOTE"
	// v1Fields is opcode, service, username, address, timestamp.
	v1Fields = 5

	v1MaxIdleReads = 5
	v1IdlePause    = 50 * time.Millisecond
)

// Decrypter is the part of the keyring the v1 decoder needs.
type Decrypter interface {
	Decrypt(block []byte) (string, error)
}

// readV1Block reads one full ciphertext block. Reads that return no data
// are retried a few times with a short pause; end of stream or a deadline
// stops early and the partial block is rejected.
func readV1Block(r *bufio.Reader) ([]byte, error) {
	block := make([]byte, keyring.BlockSize)
	total := 0
	idle := 0

	for total < len(block) && idle < v1MaxIdleReads {
		n, err := r.Read(block[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) || isTimeout(err) {
				break
			}
			return nil, err
		}
		if n == 0 {
			idle++
			time.Sleep(v1IdlePause)
		}
	}

	if total < len(block) {
		return block[:total], fmt.Errorf("%w: read %d of %d bytes", ErrIncompleteFrame, total, len(block))
	}
	return block, nil
}

// DecodeV1 reads and decrypts a v1 block and parses the vote inside it.
// The raw block is returned for diagnostics.
func DecodeV1(r *bufio.Reader, keys Decrypter) (types.Vote, []byte, error) {
	block, err := readV1Block(r)
	if err != nil {
		return types.Vote{}, block, err
	}

	plain, err := keys.Decrypt(block)
	if err != nil {
		return types.Vote{}, block, err
	}

	vote, err := ParseV1Plaintext(plain)
	return vote, block, err
}

// ParseV1Plaintext parses "VOTE\nservice\nusername\naddress\ntimestamp\n".
// Fields are positional.
func ParseV1Plaintext(plain string) (types.Vote, error) {
	lines := strings.Split(plain, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	if lines[0] != v1Opcode {
		return types.Vote{}, fmt.Errorf("%w: %q", ErrInvalidOpcode, truncate(lines[0], 16))
	}
	if len(lines) < v1Fields {
		return types.Vote{}, fmt.Errorf("%w: v1 vote has %d fields, want %d", ErrMalformedFrame, len(lines), v1Fields)
	}

	return types.Vote{
		ServiceName: types.ServiceName(lines[1]),
		Username:    types.PlayerName(lines[2]),
		Address:     lines[3],
		TimeStamp:   lines[4],
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
