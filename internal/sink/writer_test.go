package sink

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventshipper/internal/partition"
	"eventshipper/internal/retrypolicy"
)

type fakeS3 struct {
	mu             sync.Mutex
	missingBuckets map[string]bool
	putErrs        map[string][]error // bucket -> queued errors, one per call
	putCalls       map[string]int
	puts           []string // "bucket/key" for every successful put
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		missingBuckets: map[string]bool{},
		putErrs:        map[string][]error{},
		putCalls:       map[string]int{},
	}
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.missingBuckets[*params.Bucket] {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "no such bucket"}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.putCalls[*params.Bucket]
	f.putCalls[*params.Bucket] = idx + 1
	if errs := f.putErrs[*params.Bucket]; idx < len(errs) && errs[idx] != nil {
		return nil, errs[idx]
	}
	_, _ = io.ReadAll(params.Body)
	f.puts = append(f.puts, *params.Bucket+"/"+*params.Key)
	return &s3.PutObjectOutput{}, nil
}

func testPolicy() retrypolicy.Policy { return retrypolicy.New(3, time.Millisecond) }

func TestWriteOneSucceeds(t *testing.T) {
	api := newFakeS3()
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)
	res := w.WriteOne(context.Background(), "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.NoError(t, res.Err)
	assert.Equal(t, BucketName("acme", "clientA"), res.Bucket)
	assert.Len(t, api.puts, 1)
}

func TestWriteOneMissingBucket(t *testing.T) {
	api := newFakeS3()
	bucket := BucketName("acme", "clientA")
	api.missingBuckets[bucket] = true
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)

	res := w.WriteOne(context.Background(), "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.Error(t, res.Err)
	var missing *BucketMissingErr
	require.ErrorAs(t, res.Err, &missing)
	assert.Empty(t, api.puts)
}

func TestWriteOneRetriesThrottleThenSucceeds(t *testing.T) {
	api := newFakeS3()
	bucket := BucketName("acme", "clientA")
	api.putErrs[bucket] = []error{&smithy.GenericAPIError{Code: "SlowDown", Message: "slow down"}}
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)

	res := w.WriteOne(context.Background(), "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.NoError(t, res.Err)
	assert.Len(t, api.puts, 1)
}

func TestWriteOneFatalErrorIsNotRetried(t *testing.T) {
	api := newFakeS3()
	bucket := BucketName("acme", "clientA")
	api.putErrs[bucket] = []error{
		&smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
		&smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"},
	}
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)

	res := w.WriteOne(context.Background(), "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.Error(t, res.Err)
	assert.Equal(t, 1, api.putCalls[bucket])
}

func TestWriteOneDryRunSkipsPut(t *testing.T) {
	api := newFakeS3()
	w := New(api, "acme", "AES256", 2, testPolicy(), true, nil)
	res := w.WriteOne(context.Background(), "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.NoError(t, res.Err)
	assert.Empty(t, api.puts, "dry run must not call PutObject")
}

func TestWriteAllIsolatesPerClientFailures(t *testing.T) {
	api := newFakeS3()
	badBucket := BucketName("acme", "bad")
	api.missingBuckets[badBucket] = true
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)

	buffers := []*partition.Buffer{
		{ClientID: "good"},
		{ClientID: "bad"},
	}
	stats := w.WriteAll(context.Background(), buffers, "2026-07-31-09", "json", nil)

	assert.EqualValues(t, 1, stats.ObjectsWritten)
	assert.EqualValues(t, 1, stats.ObjectsFailed)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, "bad", stats.Failures[0].ClientID)
}

func TestWriteOneRefusesAfterContextCancelled(t *testing.T) {
	api := newFakeS3()
	w := New(api, "acme", "AES256", 2, testPolicy(), false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := w.WriteOne(ctx, "clientA", "2026-07-31-09", "json", 0, false, []byte("[]"))
	require.Error(t, res.Err)
	assert.Empty(t, api.puts)
}
