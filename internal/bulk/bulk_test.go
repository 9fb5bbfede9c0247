package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSplit(t *testing.T) {
	items := make([]int, 250)
	for i := range items {
		items[i] = i
	}

	batches := Split(items, 100)
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %d", len(batches))
	}
	want := []int{100, 100, 50}
	for i, b := range batches {
		if len(b) != want[i] {
			t.Errorf("batch %d: expected %d items, got %d", i, want[i], len(b))
		}
	}
	if batches[2][0] != 200 {
		t.Errorf("Expected last batch to start at 200, got %d", batches[2][0])
	}

	if got := Split([]int{}, 10); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
	if got := Split(items, 0); len(got) != 1 || len(got[0]) != 250 {
		t.Errorf("Expected single batch for size 0, got %d batches", len(got))
	}
}

func TestSequentialExecution(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	var executed []string

	op := Operation{BatchSize: 2, Ordered: true}
	result := Execute(context.Background(), op, items, func(_ context.Context, batch []string) error {
		executed = append(executed, batch...)
		return nil
	})

	if result.TotalItems != 5 {
		t.Errorf("Expected 5 total items, got %d", result.TotalItems)
	}
	if result.TotalBatches != 3 {
		t.Errorf("Expected 3 batches, got %d", result.TotalBatches)
	}
	if result.Succeeded != 5 {
		t.Errorf("Expected 5 successes, got %d", result.Succeeded)
	}
	if result.Err() != nil {
		t.Errorf("Expected nil Err, got %v", result.Err())
	}

	for i, item := range items {
		if executed[i] != item {
			t.Errorf("Order not preserved: expected %s at index %d, got %s", item, i, executed[i])
		}
	}
}

func TestParallelExecution(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	executedMap := make(map[string]bool)
	var mu sync.Mutex

	op := Operation{BatchSize: 1, Jobs: 4}
	result := Execute(context.Background(), op, items, func(_ context.Context, batch []string) error {
		mu.Lock()
		for _, item := range batch {
			executedMap[item] = true
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	if result.Succeeded != 8 {
		t.Errorf("Expected 8 successes, got %d", result.Succeeded)
	}
	for _, item := range items {
		if !executedMap[item] {
			t.Errorf("Item %s was not executed", item)
		}
	}
}

func TestStopOnFirstError(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6}
	calls := 0

	op := Operation{BatchSize: 2, Ordered: true}
	result := Execute(context.Background(), op, items, func(_ context.Context, batch []int) error {
		calls++
		if batch[0] == 3 {
			return errors.New("boom")
		}
		return nil
	})

	if calls != 2 {
		t.Errorf("Expected 2 calls before stopping, got %d", calls)
	}
	if result.Succeeded != 2 || result.Failed != 2 {
		t.Errorf("Expected 2 succeeded / 2 failed, got %d / %d", result.Succeeded, result.Failed)
	}
	if len(result.Errors) != 1 || result.Errors[0].Batch != 1 {
		t.Fatalf("Expected one error on batch 1, got %+v", result.Errors)
	}
	if result.Err() == nil {
		t.Error("Expected non-nil Err")
	}
}

func TestContinueOnError(t *testing.T) {
	items := []int{1, 2, 3, 4}

	op := Operation{BatchSize: 1, Ordered: true, ContinueOnError: true}
	result := Execute(context.Background(), op, items, func(_ context.Context, batch []int) error {
		if batch[0]%2 == 0 {
			return errors.New("even")
		}
		return nil
	})

	if result.Succeeded != 2 || result.Failed != 2 {
		t.Errorf("Expected 2 succeeded / 2 failed, got %d / %d", result.Succeeded, result.Failed)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	op := Operation{BatchSize: 1, Ordered: true}
	result := Execute(ctx, op, []int{1, 2, 3}, func(_ context.Context, batch []int) error {
		calls++
		cancel()
		return nil
	})

	if calls != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", calls)
	}
	if !errors.Is(result.Err(), context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Err())
	}
}

func TestProgress(t *testing.T) {
	var seen []int
	op := Operation{BatchSize: 2, Ordered: true, Progress: func(done, total int) {
		seen = append(seen, done)
	}}
	Execute(context.Background(), op, []int{1, 2, 3}, func(context.Context, []int) error { return nil })

	if len(seen) != 2 || seen[0] != 2 || seen[1] != 3 {
		t.Errorf("Expected progress [2 3], got %v", seen)
	}
}
