// Package loki provides a zerolog writer that ships run logs to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

const pushPath = "/loki/api/v1/push"

// DefaultJob is the job label applied when none is configured.
const DefaultJob = "archivist"

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL (e.g., "http://loki:3100")
	Labels        map[string]string // Static labels to add to all log entries
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 2s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
	Gzip          bool              // Compress push bodies
}

// Writer implements io.Writer and pushes log lines to Loki in batches. Runs are
// short, so Close must be called to deliver the tail of the log.
type Writer struct {
	url    string
	client *http.Client
	gzip   bool

	mu        sync.Mutex
	labels    map[string]string
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration
	flushTrigger  chan struct{}
	flushMu       sync.Mutex

	flushErrors atomic.Uint64
}

type entry struct {
	timestamp time.Time
	line      string
}

// pushRequest is the payload format for Loki's push API.
type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer. Call Start to enable background flushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = DefaultJob
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		url:           strings.TrimSuffix(cfg.URL, "/"),
		client:        &http.Client{Timeout: cfg.Timeout},
		gzip:          cfg.Gzip,
		labels:        labels,
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write implements io.Writer. It never fails so that an unreachable Loki does
// not disrupt the run.
func (w *Writer) Write(p []byte) (int, error) {
	// zerolog reuses p
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{timestamp: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.report(w.Flush(context.Background()))
			case <-w.flushTrigger:
				w.report(w.Flush(context.Background()))
			}
		}
	}()
}

// Close stops background flushing and delivers whatever is still buffered.
func (w *Writer) Close(ctx context.Context) error {
	w.cancel()
	w.wg.Wait()
	return w.Flush(ctx)
}

// SetLabels adds labels to every entry flushed from now on.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

// FlushErrors returns the number of failed background flushes.
func (w *Writer) FlushErrors() uint64 {
	return w.flushErrors.Load()
}

// Flush sends buffered entries to Loki. Entries of a failed push are dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	values := make([][]string, len(entries))
	for i, e := range entries {
		// Loki expects nanosecond timestamps as strings
		values[i] = []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line}
	}

	data, err := json.Marshal(pushRequest{Streams: []stream{{Stream: labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal loki payload: %w", err)
	}

	body := io.Reader(bytes.NewReader(data))
	if w.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return fmt.Errorf("compress loki payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress loki payload: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+pushPath, body)
	if err != nil {
		return fmt.Errorf("create loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push logs to loki: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push logs to loki: server returned status %d", resp.StatusCode)
	}
	return nil
}

// report counts a background flush error. Only the first few go to stderr;
// logging them through zerolog would feed back into this writer.
func (w *Writer) report(err error) {
	if err == nil {
		return
	}
	if n := w.flushErrors.Add(1); n <= 3 {
		fmt.Fprintf(os.Stderr, "loki: %v\n", err)
	}
}
