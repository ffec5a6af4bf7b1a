package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPacerNoBudgetNeverBlocks(t *testing.T) {
	p := newPacer(0.5, 0)
	p.Record(1000)
	p.Wait() // must return immediately regardless of recorded units
}

func TestPacerWaitReturnsOnceUnderBudget(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	p := newPacer(1, 10) // budget = 10 units/sec
	p.now = func() time.Time { return now }

	p.Record(150) // 150 units over a 10s window exceeds the 100-unit budget
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while still over budget")
	case <-time.After(150 * time.Millisecond):
	}

	p.mu.Lock()
	now = now.Add(11 * time.Second) // slides the sample out of the window
	p.mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after the sample aged out")
	}
}

func TestPacerPruneDropsSamplesOutsideWindow(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	p := newPacer(1, 10)
	p.now = func() time.Time { return now }

	p.Record(5)
	now = now.Add(20 * time.Second)
	p.Record(5)

	p.mu.Lock()
	p.prune()
	count := len(p.samples)
	p.mu.Unlock()

	assert.Equal(t, 1, count, "the sample from 20s ago must have been pruned")
}

func TestPacerRecordIgnoresNonPositiveUnits(t *testing.T) {
	p := newPacer(1, 10)
	p.Record(0)
	p.Record(-5)

	p.mu.Lock()
	count := len(p.samples)
	p.mu.Unlock()

	assert.Equal(t, 0, count)
}
