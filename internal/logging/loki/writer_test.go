package loki

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a fake Loki push endpoint.
type recorder struct {
	mu       sync.Mutex
	requests int
	payloads []pushRequest
	headers  []http.Header
	paths    []string
	status   int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body := io.Reader(req.Body)
	if req.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = zr.Close() }()
		body = zr
	}
	data, _ := io.ReadAll(body)

	var p pushRequest
	_ = json.Unmarshal(data, &p)

	r.mu.Lock()
	r.requests++
	r.payloads = append(r.payloads, p)
	r.headers = append(r.headers, req.Header.Clone())
	r.paths = append(r.paths, req.URL.Path)
	status := r.status
	r.mu.Unlock()

	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, p := range r.payloads {
		for _, s := range p.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func newServer(t *testing.T) (*recorder, *httptest.Server) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, srv
}

func TestNewWriter_Defaults(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100/"})

	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, 2*time.Second, w.flushInterval)
	assert.Equal(t, "archivist", w.labels["job"])
	assert.Equal(t, "http://localhost:3100", w.url)
}

func TestNewWriter_CustomConfig(t *testing.T) {
	labels := map[string]string{"env": "prod", "job": "nightly-archive"}
	w := NewWriter(Config{
		URL:           "http://localhost:3100",
		BatchSize:     50,
		FlushInterval: 10 * time.Second,
		Labels:        labels,
	})

	assert.Equal(t, 50, w.batchSize)
	assert.Equal(t, 10*time.Second, w.flushInterval)
	assert.Equal(t, "prod", w.labels["env"])
	assert.Equal(t, "nightly-archive", w.labels["job"])

	w.SetLabels(map[string]string{"run_id": "r1"})
	_, ok := labels["run_id"]
	assert.False(t, ok, "caller's label map is not modified")
}

func TestWriter_Write_BuffersAndSkipsEmptyLines(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:3100", BatchSize: 10})

	for _, line := range []string{"", "   ", "\n", `{"level":"info","msg":"one"}`, `{"level":"info","msg":"two"}` + "\n"} {
		n, err := w.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.buffer, 2)
	assert.Equal(t, `{"level":"info","msg":"two"}`, w.buffer[1].line)
}

func TestWriter_Flush_SendsPayload(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, Labels: map[string]string{"env": "prod"}})
	w.SetLabels(map[string]string{"run_id": "0192f0c8"})

	_, _ = w.Write([]byte(`{"level":"info","msg":"archive written"}`))
	require.NoError(t, w.Flush(context.Background()))

	require.Equal(t, 1, rec.count())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "/loki/api/v1/push", rec.paths[0])
	assert.Equal(t, "application/json", rec.headers[0].Get("Content-Type"))

	require.Len(t, rec.payloads[0].Streams, 1)
	s := rec.payloads[0].Streams[0]
	assert.Equal(t, map[string]string{"env": "prod", "run_id": "0192f0c8", "job": "archivist"}, s.Stream)
	require.Len(t, s.Values, 1)
	require.Len(t, s.Values[0], 2)
	assert.GreaterOrEqual(t, len(s.Values[0][0]), 19, "nanosecond timestamp")
	assert.Equal(t, `{"level":"info","msg":"archive written"}`, s.Values[0][1])
}

func TestWriter_Flush_Gzip(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, Gzip: true})
	_, _ = w.Write([]byte(`{"msg":"compressed"}`))
	require.NoError(t, w.Flush(context.Background()))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{`{"msg":"compressed"}`}, rec.lines())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "gzip", rec.headers[0].Get("Content-Encoding"))
}

func TestWriter_Flush_EmptyBuffer(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL})
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 0, rec.count())
}

func TestWriter_Flush_ServerError(t *testing.T) {
	rec, srv := newServer(t)
	rec.mu.Lock()
	rec.status = http.StatusInternalServerError
	rec.mu.Unlock()

	w := NewWriter(Config{URL: srv.URL})
	n, err := w.Write([]byte(`{"msg":"test"}`))
	require.NoError(t, err, "Write never fails")
	assert.NotZero(t, n)

	err = w.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestWriter_Flush_ConnectionRefused(t *testing.T) {
	w := NewWriter(Config{URL: "http://localhost:1", Timeout: 100 * time.Millisecond})
	_, _ = w.Write([]byte(`{"msg":"test"}`))

	assert.Error(t, w.Flush(context.Background()))
}

func TestWriter_FlushesWhenBatchFull(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, BatchSize: 3, FlushInterval: time.Hour})
	w.Start()
	defer func() { _ = w.Close(context.Background()) }()

	for i := 0; i < 3; i++ {
		_, _ = w.Write([]byte(`{"level":"info","msg":"batch"}`))
	}

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, rec.lines(), 3)
}

func TestWriter_PeriodicFlush(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, BatchSize: 1000, FlushInterval: 20 * time.Millisecond})
	w.Start()
	defer func() { _ = w.Close(context.Background()) }()

	_, _ = w.Write([]byte(`{"msg":"tick"}`))

	assert.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestWriter_Close_DeliversTail(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, BatchSize: 1000, FlushInterval: time.Hour})
	w.Start()
	_, _ = w.Write([]byte(`{"msg":"final"}`))

	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{`{"msg":"final"}`}, rec.lines())
}

func TestWriter_BackgroundErrorsCounted(t *testing.T) {
	rec, srv := newServer(t)
	rec.status = http.StatusServiceUnavailable

	w := NewWriter(Config{URL: srv.URL, BatchSize: 1, FlushInterval: time.Hour})
	w.Start()
	defer func() { _ = w.Close(context.Background()) }()

	_, _ = w.Write([]byte(`{"msg":"lost"}`))

	assert.Eventually(t, func() bool { return w.FlushErrors() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	rec, srv := newServer(t)

	w := NewWriter(Config{URL: srv.URL, BatchSize: 10, FlushInterval: 20 * time.Millisecond})
	w.Start()

	var (
		wg      sync.WaitGroup
		written atomic.Int32
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = w.Write([]byte(`{"msg":"concurrent"}`))
			written.Add(1)
		}()
	}
	wg.Wait()

	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, int32(100), written.Load())
	assert.Len(t, rec.lines(), 100)
}
