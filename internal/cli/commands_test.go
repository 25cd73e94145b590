package cli

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/queue"
	"github.com/roach88/offsync/internal/remote"
)

// recordingRemote is an upstream that acks every request and records the
// sync ids it saw.
type recordingRemote struct {
	*httptest.Server
	mu  sync.Mutex
	ids []string
}

func newRecordingRemote(t *testing.T) *recordingRemote {
	r := &recordingRemote{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		var in remote.Request
		if assert.NoError(t, json.Unmarshal(body, &in)) {
			r.mu.Lock()
			r.ids = append(r.ids, in.SyncID)
			r.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *recordingRemote) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestEnqueueSyncStatus(t *testing.T) {
	dir := t.TempDir()
	rem := newRecordingRemote(t)
	cfg := writeConfig(t, dir, filepath.Join(dir, "offsync.db"),
		"endpoints:",
		"  inventory: "+rem.URL+"/api/inventory")

	out, err := execute(t, "--config", cfg, "--format", "json",
		"enqueue", "--endpoint", "inventory", "--action", "submitInventory",
		"--priority", "low", "--data", `{"sku":"A-1","qty":3}`)
	require.NoError(t, err)
	var low EnqueueResult
	decodeData(t, out, &low)
	assert.Equal(t, 1, low.Queued)

	out, err = execute(t, "--config", cfg, "--format", "json",
		"enqueue", "--endpoint", "inventory", "--action", "submitInventory",
		"--priority", "high", "--data", `{"sku":"B-2","qty":1}`)
	require.NoError(t, err)
	var high EnqueueResult
	decodeData(t, out, &high)
	assert.Equal(t, 2, high.Queued)

	out, err = execute(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, err)
	var st StatusResult
	decodeData(t, out, &st)
	assert.Equal(t, 2, st.Queue.Total)
	assert.Equal(t, 1, st.Queue.ByPriority[model.PriorityHigh])
	assert.Nil(t, st.LastRun)

	out, err = execute(t, "--config", cfg, "--format", "json", "sync")
	require.NoError(t, err)
	var stats model.SyncStats
	decodeData(t, out, &stats)
	assert.Equal(t, 2, stats.Success)
	assert.Equal(t, 0, stats.Remaining)
	assert.Equal(t, []string{high.SyncID, low.SyncID}, rem.seen())

	out, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue: 0 pending")
	assert.Contains(t, out, "synced 2, failed 0, 0 remaining")
}

func TestEnqueue_ValidationError(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--db", filepath.Join(dir, "offsync.db"), "--format", "json",
		"enqueue", "--endpoint", "inventory", "--action", "submitInventory", "--data", `{not json`)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION", resp.Error.Code)
}

func TestEnqueue_RequiredFlags(t *testing.T) {
	_, err := execute(t, "--db", filepath.Join(t.TempDir(), "offsync.db"), "enqueue", "--action", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestSync_ProbeFailureIsNotOnline(t *testing.T) {
	dir := t.TempDir()
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := writeConfig(t, dir, filepath.Join(dir, "offsync.db"), "probe_url: "+deadURL)
	_, err := execute(t, "--config", cfg, "enqueue",
		"--endpoint", "inventory", "--action", "a", "--data", `{"x":1}`)
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [NOT_ONLINE]")

	out, err = execute(t, "--config", cfg, "--format", "json", "status")
	require.NoError(t, err)
	var st StatusResult
	decodeData(t, out, &st)
	assert.Equal(t, 1, st.Queue.Total, "refused sync leaves the queue alone")
}

func TestExportAndClear(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "offsync.db")

	_, err := execute(t, "--db", db, "enqueue",
		"--endpoint", "orders", "--action", "createOrder", "--data", `{"b":2,"a":1}`)
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "export")
	require.NoError(t, err)
	var snap struct {
		Records []model.MutationRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "createOrder", snap.Records[0].Action)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(snap.Records[0].Payload))

	_, err = execute(t, "--db", db, "clear")
	require.Error(t, err, "clear needs --cache or --queue")

	_, err = execute(t, "--db", db, "clear", "--queue", "--prefix", "x")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, "--db", db, "--format", "json", "clear", "--queue", "--cache")
	require.NoError(t, err)
	var res ClearResult
	decodeData(t, out, &res)
	assert.Equal(t, int64(1), res.Mutations)
	assert.Equal(t, 0, res.CacheEntries)

	out, err = execute(t, "--db", db, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "Removed 0 expired entries\n", out)
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")

	for _, prio := range []string{"low", "high"} {
		_, err := execute(t, "--db", src, "enqueue", "--priority", prio,
			"--endpoint", "orders", "--action", "createOrder", "--data", `{"p":"`+prio+`"}`)
		require.NoError(t, err)
	}
	snapshot, err := execute(t, "--db", src, "export")
	require.NoError(t, err)
	file := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(file, []byte(snapshot), 0o600))

	out, err := execute(t, "--db", dst, "--format", "json", "import", file)
	require.NoError(t, err)
	var res queue.ImportResult
	decodeData(t, out, &res)
	assert.Equal(t, 2, res.Imported)
	assert.Empty(t, res.Skipped)

	out, err = execute(t, "--db", dst, "import", file)
	require.NoError(t, err)
	assert.Equal(t, "Imported 0 mutations, skipped 2\n", out)

	exported, err := execute(t, "--db", dst, "export")
	require.NoError(t, err)
	var snap struct {
		Records []model.MutationRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(exported), &snap))
	require.Len(t, snap.Records, 2)
	assert.Equal(t, model.PriorityHigh, snap.Records[0].Priority)
	assert.JSONEq(t, `{"p":"high"}`, string(snap.Records[0].Payload))

	_, err = execute(t, "--db", dst, "import", filepath.Join(dir, "missing.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestImport_InvalidSnapshot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"records":[{"id":"x"}]}`), 0o600))

	_, err := execute(t, "--db", filepath.Join(dir, "offsync.db"), "import", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
