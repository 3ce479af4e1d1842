package simplevote

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS player_tokens (
	uuid TEXT PRIMARY KEY,
	tokens INTEGER DEFAULT 0
);`

// Balance is one row of the ledger.
type Balance struct {
	Player string `json:"player"`
	Tokens int    `json:"tokens"`
}

// TokenLedger stores vote token balances in SQLite with a write-through
// cache. Players are keyed by lower-cased name.
type TokenLedger struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]int
}

// OpenLedger opens (creating if needed) dataDir/tokens.db.
func OpenLedger(dataDir string) (*TokenLedger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, "tokens.db") + "?_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open token database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create player_tokens: %w", err)
	}

	l := &TokenLedger{db: db, cache: make(map[string]int)}
	if err := l.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	logrus.Infof("💰 token ledger ready (%d players)", len(l.cache))
	return l, nil
}

func (l *TokenLedger) loadCache() error {
	rows, err := l.db.Query("SELECT uuid, tokens FROM player_tokens")
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens int
		if err := rows.Scan(&key, &tokens); err != nil {
			return fmt.Errorf("scan balance: %w", err)
		}
		l.cache[key] = tokens
	}
	return rows.Err()
}

func ledgerKey(player string) string {
	return strings.ToLower(strings.TrimSpace(player))
}

// Get returns the player's balance; unknown players have zero.
func (l *TokenLedger) Get(player string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache[ledgerKey(player)]
}

// Add credits amount tokens and returns the new balance.
func (l *TokenLedger) Add(ctx context.Context, player string, amount int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(player)
	next := l.cache[key] + amount
	if next < 0 {
		next = 0
	}
	if err := l.store(ctx, key, next); err != nil {
		return l.cache[key], err
	}
	return next, nil
}

// Remove debits amount tokens. It reports false and changes nothing when
// the balance is too small.
func (l *TokenLedger) Remove(ctx context.Context, player string, amount int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(player)
	current := l.cache[key]
	if current < amount {
		return false, nil
	}
	if err := l.store(ctx, key, current-amount); err != nil {
		return false, err
	}
	return true, nil
}

// Set overwrites the balance. Negative amounts are stored as zero.
func (l *TokenLedger) Set(ctx context.Context, player string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store(ctx, ledgerKey(player), max(amount, 0))
}

// store must be called with mu held.
func (l *TokenLedger) store(ctx context.Context, key string, tokens int) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO player_tokens (uuid, tokens) VALUES (?, ?)
		 ON CONFLICT(uuid) DO UPDATE SET tokens = excluded.tokens`, key, tokens)
	if err != nil {
		return fmt.Errorf("save tokens for %s: %w", key, err)
	}
	l.cache[key] = tokens
	return nil
}

// Top returns the n largest balances, biggest first. n <= 0 means all.
func (l *TokenLedger) Top(ctx context.Context, n int) ([]Balance, error) {
	query := "SELECT uuid, tokens FROM player_tokens WHERE tokens > 0 ORDER BY tokens DESC, uuid ASC"
	args := []interface{}{}
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Player, &b.Tokens); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Close flushes and closes the database.
func (l *TokenLedger) Close() error {
	return l.db.Close()
}
