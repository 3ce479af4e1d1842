package simplevote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jellypudding/simplevote/utilities/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func get(t *testing.T, app *App, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	app.createHTTPMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPPublicKey(t *testing.T) {
	app := testApp(t)

	rec := get(t, app, "/publickey")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "-----BEGIN PUBLIC KEY-----\n"))

	pub, err := keyring.ParsePublicKey(body)
	require.NoError(t, err)
	assert.Equal(t, app.Keys.PublicKey().N, pub.N)

	rec = get(t, app, "/publickey.b64")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, app.Keys.PublicKeyBase64(), rec.Body.String())
}

func TestHTTPTokens(t *testing.T) {
	app := testApp(t)
	_, err := app.Ledger.Add(context.Background(), "Alice", 3)
	require.NoError(t, err)

	rec := get(t, app, "/tokens/ALICE")
	require.Equal(t, http.StatusOK, rec.Code)
	var b Balance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.Equal(t, Balance{Player: "ALICE", Tokens: 3}, b)

	assert.Equal(t, http.StatusBadRequest, get(t, app, "/tokens/").Code)
}

func TestHTTPStatus(t *testing.T) {
	app := testApp(t)

	rec := get(t, app, "/status.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Votifier.Enabled)
	assert.Zero(t, status.Stats.Votes)
	assert.Zero(t, status.PendingVotes)
}

func TestHTTPMetrics(t *testing.T) {
	app := testApp(t)

	rec := get(t, app, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestPrintTables(t *testing.T) {
	var buf bytes.Buffer
	PrintBalances(&buf, []Balance{{Player: "bob", Tokens: 9}, {Player: "alice", Tokens: 5}})
	out := buf.String()
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "9")
	assert.Less(t, strings.Index(out, "bob"), strings.Index(out, "alice"))

	buf.Reset()
	PrintVotingSites(&buf, []VotingSite{{Name: "TopG", URL: "https://topg.example/vote"}})
	assert.Contains(t, buf.String(), "https://topg.example/vote")
}
