package workflow

import (
	"context"
	"sort"
	"sync"
	"testing"
)

func TestMemoryCounter_ConcurrentNextIsContiguous(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	values := make([]int64, 0, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := counter.Next(ctx, "tenant-1", "invoice", "2026-08")
			if err != nil {
				t.Errorf("Next: %v", err)
				return
			}
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(values) != workers {
		t.Fatalf("expected %d values, got %d", workers, len(values))
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		if v != int64(i+1) {
			t.Fatalf("values not contiguous: position %d holds %d", i, v)
		}
	}
}

func TestMemoryCounter_ScopesAreIndependent(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	v1, _ := counter.Next(ctx, "tenant-1", "invoice", "2026-08")
	v2, _ := counter.Next(ctx, "tenant-1", "journal", "2026-08")
	v3, _ := counter.Next(ctx, "tenant-2", "invoice", "2026-08")
	v4, _ := counter.Next(ctx, "tenant-1", "invoice", "2026-09")

	for i, v := range []int64{v1, v2, v3, v4} {
		if v != 1 {
			t.Fatalf("scope %d expected fresh counter 1, got %d", i, v)
		}
	}
}

func TestMemoryCounter_ReserveReturnsBlockStart(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	first, err := counter.Reserve(ctx, "tenant-1", "invoice", "2026-08", 10)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected block to start at 1, got %d", first)
	}

	next, err := counter.Next(ctx, "tenant-1", "invoice", "2026-08")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next != 11 {
		t.Fatalf("expected 11 after reserving 10, got %d", next)
	}
}

func TestMemoryCounter_ConcurrentReserveBlocksDoNotOverlap(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	const workers = 20
	const blockSize = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	starts := make([]int64, 0, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := counter.Reserve(ctx, "tenant-1", "journal", "2026-08", blockSize)
			if err != nil {
				t.Errorf("Reserve: %v", err)
				return
			}
			mu.Lock()
			starts = append(starts, first)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for i, s := range starts {
		want := int64(i*blockSize + 1)
		if s != want {
			t.Fatalf("blocks overlap or gap: block %d starts at %d, want %d", i, s, want)
		}
	}
}

func TestMemoryCounter_RejectsInvalidReserve(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()

	if _, err := counter.Reserve(ctx, "tenant-1", "invoice", "2026-08", 0); err == nil {
		t.Fatal("expected error for zero count")
	}
	if _, err := counter.Reserve(ctx, "tenant-1", "invoice", "2026-08", -3); err == nil {
		t.Fatal("expected error for negative count")
	}
	if _, err := counter.Next(ctx, "", "invoice", "2026-08"); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}
