package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/api"
	"github.com/ashita-ai/kiseki/internal/config"
	"github.com/ashita-ai/kiseki/internal/model"
)

// collectorServer is an httptest collector that records every accepted event
// and can be told to fail the first N insert attempts.
type collectorServer struct {
	t *testing.T

	mu            sync.Mutex
	failInserts   int // fail this many insert calls with 503 before succeeding
	insertCalls   int
	accepted      []model.LogEvent
	uploads       map[string][]byte
	nextUploadID  int
	rejectOver    int // respond 413 to batches serialized larger than this (0 = never)
	uploadFail    bool
	negotiateFail bool

	srv *httptest.Server
}

func newCollectorServer(t *testing.T) *collectorServer {
	t.Helper()
	c := &collectorServer{t: t, uploads: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/logs", c.handleInsert)
	mux.HandleFunc("POST /v1/uploads", c.handleNegotiate)
	mux.HandleFunc("PUT /blob/{id}", c.handleUpload)
	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collectorServer) handleInsert(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertCalls++

	if c.failInserts > 0 {
		c.failInserts--
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]any{"code": "unavailable", "message": "try later"},
		})
		return
	}
	if c.rejectOver > 0 && len(raw) > c.rejectOver {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error": map[string]any{"code": "payload_too_large", "message": "batch exceeds limit"},
		})
		return
	}

	var body struct {
		Events []model.LogEvent `json:"events"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{"code": "bad_request", "message": err.Error()},
		})
		return
	}
	c.accepted = append(c.accepted, body.Events...)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"accepted": len(body.Events)}})
}

func (c *collectorServer) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.negotiateFail {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"code": "internal", "message": "no storage"},
		})
		return
	}
	c.nextUploadID++
	id := "up-" + string(rune('0'+c.nextUploadID))
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"upload_id": id,
		"url":       c.srv.URL + "/blob/" + id,
	}})
}

func (c *collectorServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploadFail {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	c.uploads[r.PathValue("id")] = raw
	w.WriteHeader(http.StatusOK)
}

func (c *collectorServer) acceptedEvents() []model.LogEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.LogEvent(nil), c.accepted...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig() config.Config {
	return config.Config{
		APIURL:         "unused",
		BufferSize:     1000,
		FlushInterval:  time.Hour, // background ticker effectively disabled
		BatchSize:      10,
		BatchMaxBytes:  1 << 20,
		EventMaxBytes:  64 * 1024,
		FlushWorkers:   2,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	}
}

func newTestQueue(t *testing.T, c *collectorServer, cfg config.Config) *Queue {
	t.Helper()
	client, err := api.NewClient(api.Config{BaseURL: c.srv.URL, APIKey: "k", Timeout: 5 * time.Second})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(client, logger, cfg)
}

func testEvent(id string) model.LogEvent {
	return model.LogEvent{
		ID:             id,
		SpanID:         "span-" + id,
		RootSpanID:     "root-" + id,
		ObjectType:     "project_logs",
		ObjectID:       "proj-1",
		SpanAttributes: model.SpanAttributes{Name: "op", Type: model.SpanTypeTask},
		Created:        time.Now().UTC().Truncate(time.Second),
	}
}

func TestFlushDeliversBufferedEvents(t *testing.T) {
	c := newCollectorServer(t)
	q := newTestQueue(t, c, testConfig())

	q.Enqueue(testEvent("a"))
	q.Enqueue(testEvent("b"))
	require.Equal(t, 2, q.Len())

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Len(t, c.acceptedEvents(), 2)
	assert.EqualValues(t, 2, q.DeliveredEvents())
}

func TestFlushRetriesTransientFailures(t *testing.T) {
	c := newCollectorServer(t)
	c.failInserts = 2 // fail twice, then succeed
	q := newTestQueue(t, c, testConfig())

	q.Enqueue(testEvent("a"))
	require.NoError(t, q.Flush(context.Background()))

	// Exactly 3 attempts: 2 failures plus the success. Exactly one delivery.
	c.mu.Lock()
	calls := c.insertCalls
	c.mu.Unlock()
	assert.Equal(t, 3, calls)
	require.Len(t, c.acceptedEvents(), 1)
	assert.Equal(t, "a", c.acceptedEvents()[0].ID)
	assert.Empty(t, q.Drain(), "no duplicate left behind")
}

func TestFlushSurfacesDeliveryErrorAfterExhaustion(t *testing.T) {
	c := newCollectorServer(t)
	c.failInserts = 100 // never recovers within the retry budget
	q := newTestQueue(t, c, testConfig())

	q.Enqueue(testEvent("a"))
	err := q.Flush(context.Background())

	var delErr *DeliveryError
	require.ErrorAs(t, err, &delErr)
	assert.Equal(t, 1, delErr.Failed)
	assert.EqualValues(t, 1, q.DroppedEvents())

	// The pipeline keeps working for later events.
	c.mu.Lock()
	c.failInserts = 0
	c.mu.Unlock()
	q.Enqueue(testEvent("b"))
	require.NoError(t, q.Flush(context.Background()))
	require.Len(t, c.acceptedEvents(), 1)
	assert.Equal(t, "b", c.acceptedEvents()[0].ID)
}

func TestOversizedEventTakesOverflowPath(t *testing.T) {
	c := newCollectorServer(t)
	cfg := testConfig()
	cfg.EventMaxBytes = 512
	cfg.BatchMaxBytes = 1024
	q := newTestQueue(t, c, cfg)

	big := testEvent("big")
	big.Output = strings.Repeat("x", 2048)
	q.Enqueue(big)
	q.Enqueue(testEvent("small"))

	require.NoError(t, q.Flush(context.Background()))

	events := c.acceptedEvents()
	require.Len(t, events, 2)

	var ref, small *model.LogEvent
	for i := range events {
		switch events[i].ID {
		case "big":
			ref = &events[i]
		case "small":
			small = &events[i]
		}
	}
	require.NotNil(t, ref)
	require.NotNil(t, small)

	// The primary batch holds a reference record, not the raw payload.
	require.NotNil(t, ref.PayloadRef)
	assert.Nil(t, ref.Output)
	assert.Equal(t, "span-big", ref.SpanID)
	assert.Equal(t, "root-big", ref.RootSpanID)
	assert.Nil(t, small.PayloadRef)

	// The raw payload went out of band, intact.
	c.mu.Lock()
	uploaded := c.uploads[ref.PayloadRef.UploadID]
	c.mu.Unlock()
	require.NotEmpty(t, uploaded)
	var full model.LogEvent
	require.NoError(t, json.Unmarshal(uploaded, &full))
	assert.Equal(t, strings.Repeat("x", 2048), full.Output)
	assert.Equal(t, len(uploaded), ref.PayloadRef.SizeBytes)
}

func TestCollectorRejectionTriggersBatchSplit(t *testing.T) {
	c := newCollectorServer(t)
	c.rejectOver = 600 // collector-side limit the client does not know about
	cfg := testConfig()
	cfg.EventMaxBytes = 100_000 // local pre-check never fires
	cfg.BatchMaxBytes = 200_000
	q := newTestQueue(t, c, cfg)

	for _, id := range []string{"a", "b", "c", "d"} {
		ev := testEvent(id)
		ev.Output = strings.Repeat("y", 200)
		q.Enqueue(ev)
	}

	require.NoError(t, q.Flush(context.Background()))
	assert.Len(t, c.acceptedEvents(), 4)
}

func TestOverflowUploadFailureSurfaces(t *testing.T) {
	c := newCollectorServer(t)
	c.uploadFail = true
	cfg := testConfig()
	cfg.EventMaxBytes = 128
	q := newTestQueue(t, c, cfg)

	big := testEvent("big")
	big.Output = strings.Repeat("x", 1024)
	q.Enqueue(big)

	err := q.Flush(context.Background())
	var delErr *DeliveryError
	require.ErrorAs(t, err, &delErr)
	var upErr *api.OverflowUploadError
	assert.ErrorAs(t, err, &upErr)
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	c := newCollectorServer(t)
	cfg := testConfig()
	cfg.BufferSize = 3
	cfg.BatchSize = 100 // no size-triggered flush
	q := newTestQueue(t, c, cfg)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.Enqueue(testEvent(id))
	}

	assert.EqualValues(t, 2, q.DroppedEvents())
	kept := q.Drain()
	require.Len(t, kept, 3)
	assert.Equal(t, "c", kept[0].ID)
	assert.Equal(t, "e", kept[2].ID)
}

func TestDrainBypassesNetwork(t *testing.T) {
	c := newCollectorServer(t)
	q := newTestQueue(t, c, testConfig())

	q.Enqueue(testEvent("a"))
	q.Enqueue(testEvent("b"))

	drained := q.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())

	c.mu.Lock()
	calls := c.insertCalls
	c.mu.Unlock()
	assert.Equal(t, 0, calls, "Drain must not touch the network")
}

func TestBackgroundLoopFlushesOnBatchSize(t *testing.T) {
	c := newCollectorServer(t)
	cfg := testConfig()
	cfg.BatchSize = 2
	q := newTestQueue(t, c, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.Start(ctx) // second call is a no-op

	q.Enqueue(testEvent("a"))
	q.Enqueue(testEvent("b"))

	require.Eventually(t, func() bool {
		return len(c.acceptedEvents()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	q.Stop(stopCtx)
}

func TestStopPerformsFinalFlush(t *testing.T) {
	c := newCollectorServer(t)
	q := newTestQueue(t, c, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(testEvent("a"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	q.Stop(stopCtx)

	assert.Len(t, c.acceptedEvents(), 1)
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentEnqueueIsSafe(t *testing.T) {
	c := newCollectorServer(t)
	cfg := testConfig()
	cfg.BatchSize = 1000
	q := newTestQueue(t, c, cfg)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				q.Enqueue(testEvent(string(rune('a'+g)) + "-" + string(rune('0'+i%10))))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 400, q.Len())
	require.NoError(t, q.Flush(context.Background()))
	assert.Len(t, c.acceptedEvents(), 400)
}
