package parallel

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
)

func TestPool_Create(t *testing.T) {
	pool := NewPool(4)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
}

func TestPool_CreateDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		pool := NewPool(n)
		if got, want := pool.Workers(), runtime.GOMAXPROCS(0); got != want {
			t.Errorf("NewPool(%d).Workers() = %d, want %d", n, got, want)
		}
		pool.Close()
	}
}

func TestPool_RangeCoversEveryIndexOnce(t *testing.T) {
	pool := NewPool(3)
	defer pool.Close()

	tests := []struct {
		n, chunk int
	}{
		{1, 1},
		{10, 3},
		{1000, 64},
		{17, 0}, // chunk derived from worker count
	}
	for _, tt := range tests {
		hits := make([]int32, tt.n)
		err := pool.Range(tt.n, tt.chunk, func(lo, hi int) error {
			for i := lo; i < hi; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Range(%d, %d) = %v", tt.n, tt.chunk, err)
		}
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("Range(%d, %d): index %d visited %d times", tt.n, tt.chunk, i, h)
			}
		}
	}
}

func TestPool_RangeJoinsErrors(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	errOdd := errors.New("odd chunk")
	err := pool.Range(8, 2, func(lo, _ int) error {
		if (lo/2)%2 == 1 {
			return errOdd
		}
		return nil
	})
	if !errors.Is(err, errOdd) {
		t.Errorf("Range error = %v, want errOdd", err)
	}
}

func TestPool_RangeEmpty(t *testing.T) {
	pool := NewPool(2)
	defer pool.Close()

	called := false
	if err := pool.Range(0, 4, func(int, int) error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("Range(0) should not call fn")
	}
}

func TestPool_CloseIdempotent(t *testing.T) {
	pool := NewPool(2)
	pool.Close()
	pool.Close()

	err := pool.Range(4, 1, func(int, int) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Range after Close = %v, want ErrClosed", err)
	}
}
