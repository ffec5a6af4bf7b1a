// Package orchestrator wires the Reader, Partitioner and Writer into
// one bounded run: compute the window, stream events through a bounded
// channel into a single-goroutine partition drain, flush every
// client's buffer through the concurrency-capped writer pool, and fold
// the result into a RunSummary.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"eventshipper/internal/config"
	"eventshipper/internal/eventmodel"
	"eventshipper/internal/partition"
	"eventshipper/internal/retrypolicy"
	"eventshipper/internal/sink"
	"eventshipper/internal/source"
	"eventshipper/internal/telemetry"
)

// deadlineSafetyMargin is subtracted from the execution host's
// deadline so the Writer has time to drain in-flight uploads before
// the process is killed.
const deadlineSafetyMargin = 30 * time.Second

// maxErrorDetails caps RunSummary.ClientErrors so a run against
// thousands of failing clients still returns a bounded payload; the
// ledger keeps the most recent failures, evicting the oldest first.
const maxErrorDetails = 100

// appendErrorDetail appends detail to errs, dropping the oldest entry
// once the ledger is at maxErrorDetails so it always holds the most
// recent failures rather than just the first ones encountered.
func appendErrorDetail(errs []eventmodel.ClientErrorDetail, detail eventmodel.ClientErrorDetail) []eventmodel.ClientErrorDetail {
	errs = append(errs, detail)
	if len(errs) > maxErrorDetails {
		errs = errs[len(errs)-maxErrorDetails:]
	}
	return errs
}

// Clock abstracts "now" so tests can pin the invocation time without
// monkeypatching time.Now.
type Clock func() time.Time

// Orchestrator holds the wiring a single invocation needs.
type Orchestrator struct {
	scanClient source.ScanAPI
	s3Client   sink.API
	now        Clock
	log        *zap.Logger
	recorder   *telemetry.Recorder
}

// New builds an Orchestrator. now defaults to time.Now when nil.
func New(scanClient source.ScanAPI, s3Client sink.API, now Clock, log *zap.Logger) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		scanClient: scanClient,
		s3Client:   s3Client,
		now:        now,
		log:        log,
		recorder:   telemetry.NewRecorder(),
	}
}

// Run executes one complete invocation: compute the window, scan,
// partition, write, summarize. hostDeadline is the execution
// environment's hard cutoff (e.g. a Lambda context deadline); a zero
// value means no deadline.
func (o *Orchestrator) Run(ctx context.Context, cfg config.Config, hostDeadline time.Time) (eventmodel.RunSummary, error) {
	start := o.now()
	runID := uuid.NewString()
	window := eventmodel.WindowForInvocation(start, cfg.Processing.WindowHours)

	log := o.log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID), zap.Time("window_start", window.Start), zap.Time("window_end", window.End))

	if !hostDeadline.IsZero() {
		softDeadline := hostDeadline.Add(-deadlineSafetyMargin)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, softDeadline)
		defer cancel()
	}

	policy := retrypolicy.New(cfg.Processing.MaxRetries, time.Duration(cfg.Processing.RetryBaseDelayMS)*time.Millisecond)

	reader := source.New(ctx, o.scanClient, cfg.Source, policy, log)
	writer := sink.New(o.s3Client, cfg.Sink.BucketPrefix, cfg.Sink.ServerSideEncryption, cfg.Performance.MaxConcurrentUploads, policy, cfg.Processing.DryRun, log)

	// evictor runs synchronously inside Admit, on the same single
	// goroutine that drains the events channel below, so it needs no
	// locking of its own around evictFailures.
	var evictFailures []sink.ClientFailure

	windowKey := window.Start.Format("2006-01-02-15")
	evictor := func(buf *partition.Buffer, chunkIndex int) error {
		payload, err := partition.Serialize(buf, cfg.Sink.OutputFormat)
		if err != nil {
			return err
		}
		res := writer.WriteOne(ctx, buf.ClientID, windowKey, cfg.Sink.OutputFormat, chunkIndex, true, payload)
		if res.Err != nil {
			evictFailures = append(evictFailures, sink.ClientFailure{ClientID: buf.ClientID, Kind: "SinkFatal", Err: res.Err})
			return res.Err
		}
		return nil
	}

	partitioner := partition.New(window, cfg.Processing.HighWaterMarkByte, evictor)

	// Bounded channel between Reader and the single-goroutine drain
	// loop; capacity scales with the scan batch size so a burst of
	// segment pages doesn't stall the Reader while the Partitioner
	// catches up.
	bufSize := cfg.Source.ParallelSegments * cfg.Source.ScanBatchSize
	if bufSize < 1 {
		bufSize = 1
	}
	events := make(chan eventmodel.Event, bufSize)

	var readerStats source.Stats
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readerStats = reader.Run(ctx, window, events)
	}()

	for ev := range events {
		partitioner.Admit(ev)
	}
	<-readerDone

	buffers := partitioner.Finalize()
	clientsSeen := len(buffers)
	writeStats := writer.WriteAll(ctx, buffers, windowKey, cfg.Sink.OutputFormat, partitioner.ChunkInfo)

	summary := eventmodel.RunSummary{
		RunID:          runID,
		WindowStart:    window.Start,
		WindowEnd:      window.End,
		EventsScanned:  readerStats.EventsScanned,
		EventsInWindow: readerStats.EventsInWindow,
		EventsRejected: partitioner.Rejected(),
		ClientsSeen:    clientsSeen,
		ObjectsWritten: writeStats.ObjectsWritten,
		ObjectsFailed:  writeStats.ObjectsFailed,
		BytesWritten:   writeStats.BytesWritten,
		Partial:        readerStats.Partial || writeStats.ObjectsFailed > 0,
	}

	for _, f := range readerStats.Failures {
		summary.ClientErrors = appendErrorDetail(summary.ClientErrors, eventmodel.ClientErrorDetail{
			ClientID: "(segment)",
			Kind:     "SourceFatal",
			Message:  f.Err.Error(),
		})
	}
	for _, f := range evictFailures {
		summary.ClientErrors = appendErrorDetail(summary.ClientErrors, eventmodel.ClientErrorDetail{ClientID: f.ClientID, Kind: f.Kind, Message: f.Err.Error()})
	}
	for _, f := range writeStats.Failures {
		summary.ClientErrors = appendErrorDetail(summary.ClientErrors, eventmodel.ClientErrorDetail{ClientID: f.ClientID, Kind: f.Kind, Message: f.Err.Error()})
	}

	summary.DurationMS = o.now().Sub(start).Milliseconds()
	o.recorder.Observe(summary)
	o.recorder.Push(cfg.Telemetry.PushGatewayURL, cfg.Telemetry.JobName, runID, log)

	log.Info("run complete",
		zap.Int64("events_scanned", summary.EventsScanned),
		zap.Int64("events_in_window", summary.EventsInWindow),
		zap.Int64("events_rejected", summary.EventsRejected),
		zap.Int("clients_seen", summary.ClientsSeen),
		zap.Int64("objects_written", summary.ObjectsWritten),
		zap.Int64("objects_failed", summary.ObjectsFailed),
		zap.Bool("partial", summary.Partial),
	)

	return summary, nil
}
