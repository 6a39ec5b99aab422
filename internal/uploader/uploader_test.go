package uploader

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lw-agent/logwatch/internal/config"
	"github.com/lw-agent/logwatch/internal/errs"
	"github.com/lw-agent/logwatch/internal/model"
	"github.com/lw-agent/logwatch/internal/queue"
	"github.com/lw-agent/logwatch/internal/state"
	"github.com/lw-agent/logwatch/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSetup(t *testing.T, serverURL string) (*Uploader, *queue.Store, *state.Machine, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	q, err := queue.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	logPath := filepath.Join(t.TempDir(), "task.log")
	require.NoError(t, os.WriteFile(logPath, nil, 0o644))

	cfg := &config.Config{
		Server:            serverURL,
		BatchSize:         100,
		BatchIntervalMS:   5000,
		UploadInterval:    time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    5 * time.Second,
		CompressionLevel:  6,
	}
	client := transport.NewClient(cfg, nil, nil)
	machine := state.New(errs.RealClock{}, nil, 5)
	collector := errs.NewCollector(errs.RealClock{})
	task := model.Task{TaskID: "task-1", UserID: "user-1"}

	u := New(q, client, machine, cfg, nil, collector, discardLogger(), task, logPath)
	return u, q, machine, logPath
}

func TestResume_OKReconciles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.LastAckResponse{LastAckSeq: 2})
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: i, Content: "x"}, false))
	}
	require.NoError(t, u.Resume(ctx))

	assert.Equal(t, int64(2), machine.LastAckSeq())

	count, err := q.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResume_404TreatedAsZeroNotFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	u, _, machine, _ := testSetup(t, srv.URL)
	require.NoError(t, u.Resume(context.Background()))

	assert.Equal(t, int64(0), machine.LastAckSeq())
	assert.Equal(t, state.Online, machine.Status())
}

func TestResume_TaskDeletedArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "x"}, false))

	require.NoError(t, u.Resume(ctx))

	assert.Equal(t, state.TaskDeleted, machine.Status())
	count, err := q.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestResume_RetryableCountsTowardGiveUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _, machine, _ := testSetup(t, srv.URL)
	require.NoError(t, u.Resume(context.Background()))

	assert.Equal(t, state.Retrying, machine.Status())

	// The machine's give-up threshold is 5: four more failed probes give up.
	for i := 0; i < 4; i++ {
		require.NoError(t, u.Resume(context.Background()))
	}
	assert.Equal(t, state.OfflineGiveup, machine.Status())
}

func TestIngestNewBytes_EnqueuesContent(t *testing.T) {
	u, q, _, logPath := testSetup(t, "http://127.0.0.1:1")
	ctx := context.Background()

	require.NoError(t, os.WriteFile(logPath, []byte("hello world\n"), 0o644))
	require.NoError(t, u.ingestNewBytes(ctx))

	batch, err := q.PendingBatch(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "hello world\n", batch[0].Content)
	assert.Equal(t, int64(1), batch[0].ClientSeq)
}

func TestIngestNewBytes_OnlyReadsNewBytes(t *testing.T) {
	u, q, _, logPath := testSetup(t, "http://127.0.0.1:1")
	ctx := context.Background()

	require.NoError(t, os.WriteFile(logPath, []byte("first"), 0o644))
	require.NoError(t, u.ingestNewBytes(ctx))

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("second")
	require.NoError(t, err)
	f.Close()

	require.NoError(t, u.ingestNewBytes(ctx))

	batch, err := q.PendingBatch(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].Content)
	assert.Equal(t, "second", batch[1].Content)
}

func TestIngestNewBytes_NoFileIsNotAnError(t *testing.T) {
	u, _, _, logPath := testSetup(t, "http://127.0.0.1:1")
	require.NoError(t, os.Remove(logPath))
	assert.NoError(t, u.ingestNewBytes(context.Background()))
}

func TestShouldFlush_TriggersOnBatchSize(t *testing.T) {
	u, q, _, _ := testSetup(t, "http://127.0.0.1:1")
	u.cfg.BatchSize = 2
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))
	assert.False(t, u.shouldFlush(ctx))

	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 2, Content: "b"}, false))
	assert.True(t, u.shouldFlush(ctx))
}

func TestShouldFlush_TriggersOnInterval(t *testing.T) {
	u, q, _, _ := testSetup(t, "http://127.0.0.1:1")
	u.cfg.BatchSize = 1000
	u.cfg.BatchIntervalMS = 1
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))
	assert.False(t, u.shouldFlush(ctx))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, u.shouldFlush(ctx))
}

func TestShouldFlush_FalseWhenEmpty(t *testing.T) {
	u, _, _, _ := testSetup(t, "http://127.0.0.1:1")
	assert.False(t, u.shouldFlush(context.Background()))
}

func TestFlush_OKMarksSentWithAckFromResponse(t *testing.T) {
	ackSeq := int64(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.BatchResponse{AckSeq: &ackSeq})
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 2, Content: "b"}, false))

	u.flush(ctx)

	count, err := q.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, int64(2), machine.LastAckSeq())
	assert.Equal(t, state.Online, machine.Status())
}

func TestFlush_OKDefaultsAckToLastRowWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 5, Content: "a"}, false))

	u.flush(ctx)

	assert.Equal(t, int64(5), machine.LastAckSeq())
}

func TestFlush_TaskDeletedArchivesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))

	u.flush(ctx)

	assert.Equal(t, state.TaskDeleted, machine.Status())
	count, err := q.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFlush_RetryableMarksFailedNotGiveUpEligible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))

	// Repeated batch failures must never give up, only retry locally forever.
	for i := 0; i < 10; i++ {
		require.NoError(t, q.ResetFailedToPending(ctx, "task-1"))
		u.flush(ctx)
	}

	assert.Equal(t, state.Retrying, machine.Status())
	batch, err := q.PendingBatch(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, model.RowFailed, batch[0].Status)
}

func TestSendHeartbeat_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _, machine, _ := testSetup(t, srv.URL)
	u.sendHeartbeat(context.Background())
	assert.Equal(t, state.Online, machine.Status())
}

func TestSendHeartbeat_TaskDeletedArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	u, q, machine, _ := testSetup(t, srv.URL)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, model.LogRow{TaskID: "task-1", ClientSeq: 1, Content: "a"}, false))

	u.sendHeartbeat(ctx)

	assert.Equal(t, state.TaskDeleted, machine.Status())
	count, err := q.PendingCount(ctx, "task-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSendHeartbeat_RetryableCountsTowardGiveUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _, machine, _ := testSetup(t, srv.URL)
	for i := 0; i < 5; i++ {
		u.sendHeartbeat(context.Background())
	}
	assert.Equal(t, state.OfflineGiveup, machine.Status())
}

func TestSendHeartbeat_SuppressedAfterGiveUp(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, _, machine, _ := testSetup(t, srv.URL)
	for i := 0; i < 5; i++ {
		u.sendHeartbeat(context.Background())
	}
	require.Equal(t, state.OfflineGiveup, machine.Status())

	before := attempts
	u.sendHeartbeat(context.Background())
	assert.Equal(t, before, attempts, "heartbeat must be suppressed once offline_giveup")
}
