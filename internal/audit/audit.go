// Package audit implements the Audit & History Writer (spec §4.D): a
// single per-terminal component that accepts rows destined for one of
// three logical streams (parameter_value_history, process_data_points,
// parameter_control_commands audit rows), batches them, submits to the
// store with fixed backoff, and spills to an on-disk dead-letter queue
// on final failure.
//
// Grounded on the teacher's retry/backoff idiom (internal/plc, which
// itself follows the same exponential/fixed backoff shape used
// throughout octoreflex) and on internal/storage/bolt.go's
// log-don't-crash posture for persistence failures.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ald-control/ald-control-plane/internal/config"
	"github.com/ald-control/ald-control-plane/internal/observability"
	"github.com/ald-control/ald-control-plane/internal/store"
)

// Stream names the three logical destinations rows may be routed to.
type Stream string

const (
	StreamParameterHistory  Stream = "parameter_value_history"
	StreamProcessDataPoints Stream = "process_data_points"
	StreamValveAudit        Stream = "parameter_control_commands"
)

// fixedBackoff is the store submission retry schedule (spec §4.D).
var fixedBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// batchStore is the slice of *store.Store the Writer depends on. Kept as
// an interface so tests can exercise the batching/backoff/DLQ logic
// against a fake without a live Postgres connection.
type batchStore interface {
	InsertParameterHistoryBatch(ctx context.Context, rows []store.ParameterHistorySample) error
	InsertProcessDataPointsBatch(ctx context.Context, rows []store.ProcessDataPoint) error
	InsertValveAuditBatch(ctx context.Context, rows []store.ValveAuditRow) error
}

// Writer batches and submits rows for all three streams (the two
// continuous-logger streams and the Recipe Executor's valve audit rows),
// with DLQ spill on exhausted retries and a background replay loop.
type Writer struct {
	st     batchStore
	log    *zap.Logger
	metric *observability.Metrics
	cfg    config.DLQConfig

	mu               sync.Mutex
	historyBuf       []store.ParameterHistorySample
	dataPointBuf     []store.ProcessDataPoint
	valveAuditBuf    []store.ValveAuditRow
	lastHistoryFlush time.Time
	lastDataFlush    time.Time
	lastValveFlush   time.Time

	maxRows int
	maxAge  time.Duration
	backoff []time.Duration

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Writer. Start must be called to begin the background
// replay loop.
func New(st batchStore, log *zap.Logger, metric *observability.Metrics, cfg config.DLQConfig) *Writer {
	now := time.Now()
	return &Writer{
		st:               st,
		log:              log,
		metric:           metric,
		cfg:              cfg,
		maxRows:          cfg.MaxRowsPerBatch,
		maxAge:           cfg.MaxBatchAge,
		backoff:          fixedBackoff,
		lastHistoryFlush: now,
		lastDataFlush:    now,
		lastValveFlush:   now,
		stopCh:           make(chan struct{}),
	}
}

// Start launches the background DLQ replay loop. Idempotent would
// require tracking a running flag; callers are expected to call this
// exactly once per Writer instance.
func (w *Writer) Start(ctx context.Context) {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		w.log.Error("failed to create deadletter directory", zap.Error(err))
	}
	w.wg.Add(1)
	go w.replayLoop(ctx)
}

// Stop cancels the replay loop and waits for it to exit.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// AppendHistory buffers one parameter_value_history sample, flushing the
// batch immediately if it has reached max_rows_per_batch.
func (w *Writer) AppendHistory(ctx context.Context, s store.ParameterHistorySample) {
	w.mu.Lock()
	w.historyBuf = append(w.historyBuf, s)
	full := len(w.historyBuf) >= w.maxRows
	w.mu.Unlock()
	if full {
		w.FlushHistory(ctx)
	}
}

// AppendDataPoints buffers a batch of process_data_points samples,
// refusing (and logging) any row with an empty ProcessID rather than
// ever let one reach the store (spec §4.E invariant).
func (w *Writer) AppendDataPoints(ctx context.Context, rows []store.ProcessDataPoint) {
	w.mu.Lock()
	for _, r := range rows {
		if r.ProcessID == "" {
			w.log.Error("dropped process_data_points row with empty process_id")
			continue
		}
		w.dataPointBuf = append(w.dataPointBuf, r)
	}
	full := len(w.dataPointBuf) >= w.maxRows
	w.mu.Unlock()
	if full {
		w.FlushDataPoints(ctx)
	}
}

// AppendValveAudit buffers and immediately submits one Recipe Executor
// audit effect (§4.F). Unlike the two high-frequency streams, valve
// audit rows arrive one per observable effect rather than on a 1Hz
// cycle, so there is little to gain from batching multiple together —
// flushing right away keeps the row visible promptly while still going
// through the same retry/DLQ safety net as the other streams.
func (w *Writer) AppendValveAudit(ctx context.Context, row store.ValveAuditRow) {
	w.mu.Lock()
	w.valveAuditBuf = append(w.valveAuditBuf, row)
	w.mu.Unlock()
	w.FlushValveAudit(ctx)
}

// FlushIfDue flushes any buffer whose age has exceeded max_batch_age,
// intended to be called once per continuous-logger cycle.
func (w *Writer) FlushIfDue(ctx context.Context) {
	w.mu.Lock()
	historyDue := len(w.historyBuf) > 0 && time.Since(w.lastHistoryFlush) >= w.maxAge
	dataDue := len(w.dataPointBuf) > 0 && time.Since(w.lastDataFlush) >= w.maxAge
	valveDue := len(w.valveAuditBuf) > 0 && time.Since(w.lastValveFlush) >= w.maxAge
	w.mu.Unlock()

	if historyDue {
		w.FlushHistory(ctx)
	}
	if dataDue {
		w.FlushDataPoints(ctx)
	}
	if valveDue {
		w.FlushValveAudit(ctx)
	}
}

// FlushHistory submits the buffered parameter_value_history rows now.
func (w *Writer) FlushHistory(ctx context.Context) {
	w.mu.Lock()
	batch := w.historyBuf
	w.historyBuf = nil
	w.lastHistoryFlush = time.Now()
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	err := w.submitWithRetry(ctx, func(c context.Context) error {
		return w.st.InsertParameterHistoryBatch(c, batch)
	})
	if err != nil {
		w.spillToDLQ(StreamParameterHistory, batch)
	} else if w.metric != nil {
		w.metric.AuditRowsWrittenTotal.WithLabelValues(string(StreamParameterHistory)).Add(float64(len(batch)))
	}
}

// FlushDataPoints submits the buffered process_data_points rows now.
func (w *Writer) FlushDataPoints(ctx context.Context) {
	w.mu.Lock()
	batch := w.dataPointBuf
	w.dataPointBuf = nil
	w.lastDataFlush = time.Now()
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	err := w.submitWithRetry(ctx, func(c context.Context) error {
		return w.st.InsertProcessDataPointsBatch(c, batch)
	})
	if err != nil {
		w.spillToDLQ(StreamProcessDataPoints, batch)
	} else if w.metric != nil {
		w.metric.AuditRowsWrittenTotal.WithLabelValues(string(StreamProcessDataPoints)).Add(float64(len(batch)))
	}
}

// FlushValveAudit submits the buffered parameter_control_commands audit
// rows now.
func (w *Writer) FlushValveAudit(ctx context.Context) {
	w.mu.Lock()
	batch := w.valveAuditBuf
	w.valveAuditBuf = nil
	w.lastValveFlush = time.Now()
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	err := w.submitWithRetry(ctx, func(c context.Context) error {
		return w.st.InsertValveAuditBatch(c, batch)
	})
	if err != nil {
		w.spillToDLQ(StreamValveAudit, batch)
	} else if w.metric != nil {
		w.metric.AuditRowsWrittenTotal.WithLabelValues(string(StreamValveAudit)).Add(float64(len(batch)))
	}
}

// submitWithRetry runs fn with the fixed {1s, 2s, 4s} backoff schedule
// (spec §4.D). Timed with observability when the metric is configured.
func (w *Writer) submitWithRetry(ctx context.Context, fn func(context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 0; attempt <= len(w.backoff); attempt++ {
		err = fn(ctx)
		if err == nil {
			if w.metric != nil {
				w.metric.AuditBatchLatency.Observe(time.Since(start).Seconds())
			}
			return nil
		}
		if attempt == len(w.backoff) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoff[attempt]):
		}
	}
	w.log.Error("batch submission exhausted retries", zap.Error(err))
	return err
}

// dlqRecord is one JSON-lines entry written to a per-stream deadletter file.
type dlqRecord struct {
	Stream    Stream          `json:"stream"`
	BatchTime time.Time       `json:"batch_time"`
	Row       json.RawMessage `json:"row"`
}

func (w *Writer) dlqPath(stream Stream) string {
	return filepath.Join(w.cfg.Dir, string(stream)+".jsonl")
}

// spillToDLQ appends one JSON-lines record per row to the stream's file.
// The writer MUST NOT crash on a DLQ write failure; it logs and counts
// the failure in a metric instead.
func (w *Writer) spillToDLQ(stream Stream, rows any) {
	path := w.dlqPath(stream)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		w.recordDLQFailure(stream, err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.recordDLQFailure(stream, err)
		return
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	now := time.Now()
	if err := appendRows(bw, stream, now, rows); err != nil {
		w.recordDLQFailure(stream, err)
		return
	}
	if err := bw.Flush(); err != nil {
		w.recordDLQFailure(stream, err)
	}
}

func appendRows(bw *bufio.Writer, stream Stream, at time.Time, rows any) error {
	switch v := rows.(type) {
	case []store.ParameterHistorySample:
		for _, r := range v {
			if err := writeRecord(bw, stream, at, r); err != nil {
				return err
			}
		}
	case []store.ProcessDataPoint:
		for _, r := range v {
			if err := writeRecord(bw, stream, at, r); err != nil {
				return err
			}
		}
	case []store.ValveAuditRow:
		for _, r := range v {
			if err := writeRecord(bw, stream, at, r); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("audit: unsupported row type %T for DLQ spill", rows)
	}
	return nil
}

func writeRecord(bw *bufio.Writer, stream Stream, at time.Time, row any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	rec := dlqRecord{Stream: stream, BatchTime: at, Row: raw}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := bw.Write(line); err != nil {
		return err
	}
	return bw.WriteByte('\n')
}

func (w *Writer) recordDLQFailure(stream Stream, err error) {
	w.log.Error("deadletter write failed", zap.String("stream", string(stream)), zap.Error(err))
	if w.metric != nil {
		w.metric.DlqRowsWrittenTotal.WithLabelValues(string(stream)).Inc()
	}
}

// replayLoop scans the deadletter directory every ReplayInterval and
// resubmits each file's rows, deleting the file on full success and
// rewriting it with the residual rows on a partial replay.
func (w *Writer) replayLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.ReplayInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.replayOnce(ctx, StreamParameterHistory)
			w.replayOnce(ctx, StreamProcessDataPoints)
			w.replayOnce(ctx, StreamValveAudit)
		}
	}
}

func (w *Writer) replayOnce(ctx context.Context, stream Stream) {
	path := w.dlqPath(stream)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Error("deadletter read failed", zap.String("stream", string(stream)), zap.Error(err))
		}
		return
	}
	if len(data) == 0 {
		return
	}

	lines := splitLines(data)
	var residual [][]byte
	replayed := 0
	for _, line := range lines {
		var rec dlqRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			w.log.Error("deadletter line corrupt, dropping", zap.Error(err))
			continue
		}
		if err := w.replayRecord(ctx, rec); err != nil {
			residual = append(residual, line)
			continue
		}
		replayed++
	}

	if w.metric != nil && replayed > 0 {
		w.metric.DlqRowsReplayedTotal.Add(float64(replayed))
	}

	if len(residual) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Error("deadletter cleanup failed", zap.String("stream", string(stream)), zap.Error(err))
		}
		return
	}
	if err := rewriteResidual(path, residual); err != nil {
		w.log.Error("deadletter residual rewrite failed", zap.String("stream", string(stream)), zap.Error(err))
	}
}

func (w *Writer) replayRecord(ctx context.Context, rec dlqRecord) error {
	switch rec.Stream {
	case StreamParameterHistory:
		var row store.ParameterHistorySample
		if err := json.Unmarshal(rec.Row, &row); err != nil {
			return err
		}
		return w.st.InsertParameterHistoryBatch(ctx, []store.ParameterHistorySample{row})
	case StreamProcessDataPoints:
		var row store.ProcessDataPoint
		if err := json.Unmarshal(rec.Row, &row); err != nil {
			return err
		}
		return w.st.InsertProcessDataPointsBatch(ctx, []store.ProcessDataPoint{row})
	case StreamValveAudit:
		var row store.ValveAuditRow
		if err := json.Unmarshal(rec.Row, &row); err != nil {
			return err
		}
		return w.st.InsertValveAuditBatch(ctx, []store.ValveAuditRow{row})
	default:
		return fmt.Errorf("audit: unknown dlq stream %q", rec.Stream)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func rewriteResidual(path string, lines [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := bw.Write(line); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
