package source

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventshipper/internal/config"
	"eventshipper/internal/eventmodel"
	"eventshipper/internal/retrypolicy"
)

type page struct {
	items    []map[string]types.AttributeValue
	lastKey  map[string]types.AttributeValue
	capacity float64
	err      error
}

// fakeScanAPI serves a canned sequence of pages per segment, keyed by
// *Segment so each of the Reader's goroutines gets its own cursor.
type fakeScanAPI struct {
	pagesBySegment map[int32][]page
	calls          map[int32]int
}

func (f *fakeScanAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{}}, nil
}

func (f *fakeScanAPI) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	seg := *params.Segment
	idx := f.calls[seg]
	f.calls[seg] = idx + 1
	pages := f.pagesBySegment[seg]
	if idx >= len(pages) {
		return &dynamodb.ScanOutput{}, nil
	}
	p := pages[idx]
	if p.err != nil {
		return nil, p.err
	}
	out := &dynamodb.ScanOutput{Items: p.items, LastEvaluatedKey: p.lastKey}
	if p.capacity > 0 {
		out.ConsumedCapacity = &types.ConsumedCapacity{CapacityUnits: &p.capacity}
	}
	return out, nil
}

func item(eventID, clientID, t string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"event_id":  &types.AttributeValueMemberS{Value: eventID},
		"client_id": &types.AttributeValueMemberS{Value: clientID},
		"time":      &types.AttributeValueMemberS{Value: t},
		"payload":   &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{"k": &types.AttributeValueMemberN{Value: "1"}}},
	}
}

func testCfg(segments int) config.Source {
	return config.Source{Table: "events", ParallelSegments: segments, ReadThroughputFraction: 0.5, ScanBatchSize: 100}
}

func testWindow() eventmodel.Window {
	return eventmodel.Window{
		Start: time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC),
	}
}

func drain(ch <-chan eventmodel.Event) []eventmodel.Event {
	var out []eventmodel.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestReaderForwardsInWindowEvents(t *testing.T) {
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {{items: []map[string]types.AttributeValue{
				item("e1", "clientA", "2026-07-31T09:15:00Z"),
				item("e2", "clientB", "2026-07-31T09:45:00Z"),
			}}},
		},
	}
	policy := retrypolicy.New(0, time.Millisecond)
	r := New(context.Background(), api, testCfg(1), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	require.Len(t, events, 2)
	assert.EqualValues(t, 2, stats.EventsScanned)
	assert.EqualValues(t, 2, stats.EventsInWindow)
	assert.False(t, stats.Partial)
}

func TestReaderCountsOutOfWindowWithoutForwarding(t *testing.T) {
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {{items: []map[string]types.AttributeValue{
				item("e1", "clientA", "2026-07-31T08:00:00Z"), // before window
				item("e2", "clientA", "2026-07-31T09:15:00Z"), // in window
			}}},
		},
	}
	policy := retrypolicy.New(0, time.Millisecond)
	r := New(context.Background(), api, testCfg(1), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	require.Len(t, events, 1)
	assert.EqualValues(t, 2, stats.EventsScanned)
	assert.EqualValues(t, 1, stats.EventsInWindow)
}

func TestReaderFollowsPagination(t *testing.T) {
	key := map[string]types.AttributeValue{"event_id": &types.AttributeValueMemberS{Value: "e1"}}
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {
				{items: []map[string]types.AttributeValue{item("e1", "clientA", "2026-07-31T09:15:00Z")}, lastKey: key},
				{items: []map[string]types.AttributeValue{item("e2", "clientA", "2026-07-31T09:20:00Z")}},
			},
		},
	}
	policy := retrypolicy.New(0, time.Millisecond)
	r := New(context.Background(), api, testCfg(1), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	require.Len(t, events, 2)
	assert.EqualValues(t, 2, stats.EventsScanned)
}

func TestReaderSegmentFailureIsPartialNotFatal(t *testing.T) {
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {{items: []map[string]types.AttributeValue{item("e1", "clientA", "2026-07-31T09:15:00Z")}}},
			1: {{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad segment"}}},
		},
	}
	policy := retrypolicy.New(0, time.Millisecond)
	r := New(context.Background(), api, testCfg(2), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	assert.Len(t, events, 1, "segment 0's events still flow despite segment 1 failing")
	assert.True(t, stats.Partial)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, 1, stats.Failures[0].Segment)
}

func TestReaderThrottleIsRetriedThenSucceeds(t *testing.T) {
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {
				{err: &types.ProvisionedThroughputExceededException{Message: nil}},
				{items: []map[string]types.AttributeValue{item("e1", "clientA", "2026-07-31T09:15:00Z")}},
			},
		},
	}
	policy := retrypolicy.New(3, time.Millisecond)
	r := New(context.Background(), api, testCfg(1), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	require.Len(t, events, 1)
	assert.False(t, stats.Partial)
}

func TestReaderForwardsUnparseableTimeForPartitionerToReject(t *testing.T) {
	api := &fakeScanAPI{
		calls: map[int32]int{},
		pagesBySegment: map[int32][]page{
			0: {{items: []map[string]types.AttributeValue{item("e1", "clientA", "not-a-time")}}},
		},
	}
	policy := retrypolicy.New(0, time.Millisecond)
	r := New(context.Background(), api, testCfg(1), policy, nil)

	out := make(chan eventmodel.Event, 10)
	stats := r.Run(context.Background(), testWindow(), out)
	events := drain(out)

	require.Len(t, events, 1)
	assert.EqualValues(t, 0, stats.EventsInWindow, "unparseable time never counts toward in-window")
}
