// Package sink implements the Sink Writer: it resolves each client's
// bucket, serializes nothing itself (that's internal/partition's job)
// and uploads the payload with retry and throttle-aware semantics,
// bounded by a concurrency-capped pool.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"eventshipper/internal/partition"
	"eventshipper/internal/retrypolicy"
)

// newReader wraps a payload for repeated upload attempts: each retry
// needs its own fresh io.Reader positioned at the start.
func newReader(payload []byte) io.ReadSeeker { return bytes.NewReader(payload) }

// API is the subset of *s3.Client the Writer depends on, narrowed so
// tests can supply a fake — the same shape the teacher's
// getS3ObjectWithRetry wraps for GetObject.
type API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Result is the per-client outcome of one Writer dispatch.
type Result struct {
	ClientID string
	Bucket   string
	Key      string
	Bytes    int64
	Err      error // nil on success; *ClientFailure otherwise
}

// Stats summarizes a WriteAll call for RunSummary.
type Stats struct {
	ObjectsWritten int64
	ObjectsFailed  int64
	BytesWritten   int64
	Failures       []ClientFailure
}

// Writer uploads serialized buffers to the per-client bucket.
type Writer struct {
	client       API
	bucketPrefix string
	sse          types.ServerSideEncryption
	policy       retrypolicy.Policy
	sem          *semaphore.Weighted
	dryRun       bool
	log          *zap.Logger

	probed   map[string]bool // bucket existence already confirmed this run
	probedMu sync.Mutex
}

// New builds a Writer. maxConcurrent bounds simultaneous uploads;
// dryRun runs the full resolution path without calling PutObject, so
// an operator can validate bucket resolution and payload sizing
// before touching the sink.
func New(client API, bucketPrefix, serverSideEncryption string, maxConcurrent int, policy retrypolicy.Policy, dryRun bool, log *zap.Logger) *Writer {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Writer{
		client:       client,
		bucketPrefix: bucketPrefix,
		sse:          types.ServerSideEncryption(serverSideEncryption),
		policy:       policy,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		dryRun:       dryRun,
		log:          log,
		probed:       make(map[string]bool),
	}
}

// contentType maps an output format to its upload content type.
func contentType(format string) string {
	switch format {
	case "jsonl":
		return "application/x-ndjson"
	case "csv":
		return "text/csv"
	default:
		return "application/json"
	}
}

// WriteOne uploads a single client's serialized payload under
// (bucket(clientID), key(window, chunkIndex, chunked)). It is also the
// callback the Partitioner's bounded mode streams early-evicted
// chunks through, always with chunked=true.
func (w *Writer) WriteOne(ctx context.Context, clientID, windowStartUTC, format string, chunkIndex int, chunked bool, payload []byte) Result {
	bucket := BucketName(w.bucketPrefix, clientID)
	key := ObjectKey(windowStartUTC, Ext(format), chunkIndex, chunked)
	res := Result{ClientID: clientID, Bucket: bucket, Key: key, Bytes: int64(len(payload))}

	select {
	case <-ctx.Done():
		res.Err = &ClientFailure{ClientID: clientID, Kind: "DeadlineApproaching", Err: ctx.Err()}
		return res
	default:
	}

	if err := w.probeBucket(ctx, clientID, bucket); err != nil {
		res.Err = &ClientFailure{ClientID: clientID, Kind: "BucketMissing", Err: err}
		return res
	}

	if w.dryRun {
		return res
	}

	err := retrypolicy.Run(ctx, w.policy, func(attempt int) error {
		// A put already under way is not cut short by ctx being
		// cancelled; ctx only stops further retry attempts.
		_, putErr := w.client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
			Bucket:               &bucket,
			Key:                  &key,
			Body:                 newReader(payload),
			ContentType:          aws.String(contentType(format)),
			ServerSideEncryption: w.sse,
		})
		if putErr != nil {
			return classifyPut(putErr)
		}
		return nil
	})
	if err != nil {
		kind := "SinkFatal"
		var fe *fatalErr
		var te *transientErr
		var th *throttleErr
		switch {
		case errors.As(err, &th):
			kind = "SinkThrottled"
		case errors.As(err, &te):
			kind = "SinkTransient"
		case errors.As(err, &fe):
			kind = "SinkFatal"
		}
		res.Err = &ClientFailure{ClientID: clientID, Kind: kind, Err: fmt.Errorf("put %s/%s: %w", bucket, key, err)}
	}
	return res
}

// probeBucket verifies bucket existence once per client per run.
// Missing buckets fail only that client's upload.
func (w *Writer) probeBucket(ctx context.Context, clientID, bucket string) error {
	w.probedMu.Lock()
	ok := w.probed[bucket]
	w.probedMu.Unlock()
	if ok {
		return nil
	}

	_, err := w.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &bucket})
	if err != nil {
		return &BucketMissingErr{ClientID: clientID, Bucket: bucket, Cause: err}
	}

	w.probedMu.Lock()
	w.probed[bucket] = true
	w.probedMu.Unlock()
	return nil
}

// WriteAll dispatches one WriteOne per buffer under the concurrency
// semaphore; dispatch order is arbitrary. A cancelled ctx lets
// in-flight uploads finish but refuses new dispatches, counting them
// as DeadlineApproaching failures. chunkInfoOf reports, per client,
// the chunk index to key this final write under and whether the
// client was chunked at all (i.e. had at least one bounded-mode
// eviction earlier in the run).
func (w *Writer) WriteAll(ctx context.Context, buffers []*partition.Buffer, windowStartUTC, format string, chunkInfoOf func(clientID string) (int, bool)) Stats {
	results := make([]Result, len(buffers))
	var wg sync.WaitGroup

	for i, buf := range buffers {
		i, buf := i, buf
		if err := w.sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{
				ClientID: buf.ClientID,
				Err:      &ClientFailure{ClientID: buf.ClientID, Kind: "DeadlineApproaching", Err: err},
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sem.Release(1)
			payload, err := partition.Serialize(buf, format)
			if err != nil {
				results[i] = Result{ClientID: buf.ClientID, Err: &ClientFailure{ClientID: buf.ClientID, Kind: "SinkFatal", Err: err}}
				return
			}
			var index int
			var chunked bool
			if chunkInfoOf != nil {
				index, chunked = chunkInfoOf(buf.ClientID)
			}
			result := w.WriteOne(ctx, buf.ClientID, windowStartUTC, format, index, chunked, payload)
			if w.log != nil && result.Err != nil {
				w.log.Warn("client upload failed", zap.String("client_id", buf.ClientID), zap.Error(result.Err))
			}
			results[i] = result
		}()
	}
	wg.Wait()

	var stats Stats
	for _, r := range results {
		if r.Err == nil {
			stats.ObjectsWritten++
			stats.BytesWritten += r.Bytes
			continue
		}
		stats.ObjectsFailed++
		var cf *ClientFailure
		if errors.As(r.Err, &cf) {
			stats.Failures = append(stats.Failures, *cf)
		}
	}
	return stats
}

// classifyPut sorts an S3 PutObject error into throttled, transient,
// or fatal.
func classifyPut(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestLimitExceeded", "ThrottlingException", "TooManyRequests":
			return &throttleErr{err}
		case "InternalError", "ServiceUnavailable":
			return &transientErr{err}
		default:
			return &fatalErr{err}
		}
	}
	return &fatalErr{err}
}
