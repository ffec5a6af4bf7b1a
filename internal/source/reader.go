// Package source implements the partitioned parallel scan Reader,
// extending the teacher's use of the AWS SDK v2 family
// (internal/services/marketdata/ohlcv_pipeline.go's S3 client) to the
// DynamoDB Scan API, whose (segment_index, total_segments,
// continuation_token, limit) shape matches a partitioned source
// store's natural scan contract.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
	"go.uber.org/zap"

	"eventshipper/internal/config"
	"eventshipper/internal/eventmodel"
	"eventshipper/internal/retrypolicy"
)

// ScanAPI is the subset of *dynamodb.Client the Reader depends on,
// narrowed so tests can supply a fake.
type ScanAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// record is the on-table shape of one event item. Payload is decoded
// as a generic map and re-marshaled to JSON so it passes through
// untouched regardless of its internal structure — the payload has no
// declared schema, so it round-trips as opaque JSON.
type record struct {
	EventID  string                 `dynamodbav:"event_id"`
	ClientID string                 `dynamodbav:"client_id"`
	Time     string                 `dynamodbav:"time"`
	Payload  map[string]interface{} `dynamodbav:"payload"`
}

// Stats accumulates the Reader's contribution to RunSummary.
type Stats struct {
	EventsScanned  int64
	EventsInWindow int64
	Partial        bool
	Failures       []SegmentFailure
}

// Reader performs a partitioned parallel scan of the source table: N
// worker goroutines each own a disjoint segment and page through it
// independently.
type Reader struct {
	client   ScanAPI
	table    string
	segments int
	batch    int32
	policy   retrypolicy.Policy
	pacer    *pacer
	log      *zap.Logger
}

// New builds a Reader from validated configuration. It looks up the
// table's provisioned read capacity once via DescribeTable so the
// pacer can stay under read_throughput_fraction of the real budget;
// a lookup failure (including on-demand tables, which report no
// provisioned throughput) just falls back to the pacer's best-effort
// mode rather than failing the run.
func New(ctx context.Context, client ScanAPI, cfg config.Source, policy retrypolicy.Policy, log *zap.Logger) *Reader {
	segments := cfg.ParallelSegments
	if segments < 1 {
		segments = 1
	}
	return &Reader{
		client:   client,
		table:    cfg.Table,
		segments: segments,
		batch:    int32(cfg.ScanBatchSize),
		policy:   policy,
		pacer:    newPacer(cfg.ReadThroughputFraction, provisionedReadCapacity(ctx, client, cfg.Table, log)),
		log:      log,
	}
}

// provisionedReadCapacity fetches the table's provisioned read
// capacity (read-capacity units/sec). It returns 0 — which disables
// pacing and falls back to best-effort — when the describe call fails
// or the table is on-demand billed and reports no provisioned
// throughput.
func provisionedReadCapacity(ctx context.Context, client ScanAPI, table string, log *zap.Logger) float64 {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &table})
	if err != nil {
		if log != nil {
			log.Warn("describe table failed, pacing falls back to best-effort", zap.String("table", table), zap.Error(err))
		}
		return 0
	}
	if out.Table == nil || out.Table.ProvisionedThroughput == nil || out.Table.ProvisionedThroughput.ReadCapacityUnits == nil {
		return 0
	}
	return float64(*out.Table.ProvisionedThroughput.ReadCapacityUnits)
}

// Run scans every segment concurrently and publishes in-window events
// to out, closing it once every segment has stopped (cleanly, on
// ctx cancellation, or fatally). It never returns an error itself —
// per-segment failures are partial, so a bad segment surfaces through
// the returned Stats rather than aborting its siblings.
func (r *Reader) Run(ctx context.Context, window eventmodel.Window, out chan<- eventmodel.Event) Stats {
	defer close(out)

	var stats Stats
	var mu sync.Mutex
	var scanned, inWindow int64
	var wg sync.WaitGroup

	// One goroutine per segment; a segment's fatal error is recorded
	// and that segment stops, but its siblings keep scanning. Workers
	// are deliberately NOT wired through an errgroup, whose first
	// error would cancel the rest — we want isolation, not fail-fast.
	for seg := 0; seg < r.segments; seg++ {
		seg := seg
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.scanSegment(ctx, seg, window, out, &scanned, &inWindow)
			if err != nil {
				mu.Lock()
				stats.Partial = true
				stats.Failures = append(stats.Failures, SegmentFailure{Segment: seg, Err: err})
				mu.Unlock()
				if r.log != nil {
					r.log.Warn("segment scan failed", zap.Int("segment", seg), zap.Error(err))
				}
			}
		}()
	}
	wg.Wait()

	stats.EventsScanned = atomic.LoadInt64(&scanned)
	stats.EventsInWindow = atomic.LoadInt64(&inWindow)
	return stats
}

// scanSegment pages through one segment until exhausted, cancelled, or
// fatally failed.
func (r *Reader) scanSegment(ctx context.Context, segment int, window eventmodel.Window, out chan<- eventmodel.Event, scanned, inWindow *int64) error {
	var lastKey map[string]types.AttributeValue

	for {
		select {
		case <-ctx.Done():
			return nil // deadline/cancellation: stop cleanly, already-read events keep flowing
		default:
		}

		r.pacer.Wait()

		var resp *dynamodb.ScanOutput
		err := retrypolicy.Run(ctx, r.policy, func(attempt int) error {
			in := &dynamodb.ScanInput{
				TableName:              &r.table,
				Segment:                aws32(int32(segment)),
				TotalSegments:          aws32(int32(r.segments)),
				Limit:                  aws32(r.batch),
				ExclusiveStartKey:      lastKey,
				ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
			}
			out, scanErr := r.client.Scan(ctx, in)
			if scanErr != nil {
				return classify(scanErr)
			}
			resp = out
			return nil
		})
		if err != nil {
			return fmt.Errorf("segment %d: %w", segment, err)
		}

		if resp.ConsumedCapacity != nil && resp.ConsumedCapacity.CapacityUnits != nil {
			r.pacer.Record(*resp.ConsumedCapacity.CapacityUnits)
		}

		for _, item := range resp.Items {
			var rec record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				// Structurally unreadable item: treat like any other
				// malformed event so the run keeps going. An empty event
				// is forwarded so the Partitioner's admit step rejects
				// and counts it.
				atomic.AddInt64(scanned, 1)
				select {
				case out <- eventmodel.Event{}:
				case <-ctx.Done():
					return nil
				}
				continue
			}
			atomic.AddInt64(scanned, 1)

			ev := eventmodel.Event{EventID: rec.EventID, ClientID: rec.ClientID, Time: rec.Time}
			if payload, merr := json.Marshal(rec.Payload); merr == nil {
				ev.Payload = payload
			}

			t, perr := ev.ParsedTime()
			if perr != nil {
				// Can't place it in the window; let the Partitioner's
				// admit step reject and count it.
				select {
				case out <- ev:
				case <-ctx.Done():
					return nil
				}
				continue
			}
			if !window.Contains(t) {
				continue // out-of-window: counted (above), not forwarded
			}
			atomic.AddInt64(inWindow, 1)
			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}
		}

		if resp.LastEvaluatedKey == nil {
			return nil
		}
		lastKey = resp.LastEvaluatedKey
	}
}

func aws32(v int32) *int32 { return &v }

// classify sorts a DynamoDB Scan error into throttled, transient, or
// fatal: the first two are retried by retrypolicy, fatal errors stop
// the segment immediately.
func classify(err error) error {
	var throttled *types.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) {
		return &throttleErr{err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded":
			return &throttleErr{err}
		case "InternalServerError", "ServiceUnavailable", "LimitExceededException":
			return &transientErr{err}
		case "ResourceNotFoundException", "AccessDeniedException", "ValidationException":
			return &fatalErr{err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &transientErr{err}
	}

	return &fatalErr{err}
}
