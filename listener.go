package simplevote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellypudding/simplevote/types"
	"github.com/sirupsen/logrus"
)

// ErrUnknownPlayer is returned for votes that name nobody.
var ErrUnknownPlayer = errors.New("vote has no player name")

// VoteListener credits tokens for each vote and announces it. It runs on
// the dispatcher goroutine, one vote at a time.
type VoteListener struct {
	ledger        *TokenLedger
	broadcaster   Broadcaster
	tokensPerVote int
	broadcast     bool
}

// NewVoteListener wires the reward side of the service. broadcaster may be
// nil, in which case announcements are only logged.
func NewVoteListener(ledger *TokenLedger, broadcaster Broadcaster, tokensPerVote int, broadcast bool) *VoteListener {
	if broadcaster == nil {
		broadcaster = logBroadcaster{}
	}
	return &VoteListener{
		ledger:        ledger,
		broadcaster:   broadcaster,
		tokensPerVote: tokensPerVote,
		broadcast:     broadcast,
	}
}

// HandleVote implements votifier.VoteHandler.
func (l *VoteListener) HandleVote(ctx context.Context, vote types.Vote) error {
	player := string(vote.Username)
	logrus.Infof("Received vote from %s through %s", player, vote.ServiceName)

	if player == "" {
		return ErrUnknownPlayer
	}

	balance, err := l.ledger.Add(ctx, player, l.tokensPerVote)
	if err != nil {
		return fmt.Errorf("credit %s: %w", player, err)
	}
	logrus.Infof("Added %d tokens to %s (now %d)", l.tokensPerVote, player, balance)

	if !l.broadcast {
		return nil
	}
	a := Announcement{
		Player:    player,
		Service:   string(vote.ServiceName),
		Tokens:    l.tokensPerVote,
		Message:   voteMessage(vote),
		Timestamp: time.Now().Unix(),
	}
	if err := l.broadcaster.Announce(a); err != nil {
		// The tokens are already credited; a lost announcement is not worth
		// failing the vote over.
		logrus.WithError(err).Warn("failed to broadcast vote")
	}
	return nil
}
