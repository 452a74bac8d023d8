package ringqueue

import (
	"sync"
	"testing"
	"time"
)

func TestTryPopEmptyIsSideEffectFree(t *testing.T) {
	q := New[int](3, DropNewest)
	if _, ok := q.TryPop(); ok {
		t.Fatalf("TryPop on empty queue returned ok=true")
	}
	if q.Size() != 0 {
		t.Fatalf("Size() = %d after no-op pop, want 0", q.Size())
	}
}

func TestDropNewestWhenFull(t *testing.T) {
	q := New[int](2, DropNewest)
	if !q.TryPush(1) || !q.TryPush(2) {
		t.Fatalf("initial pushes should succeed")
	}
	if q.TryPush(3) {
		t.Fatalf("push into full DropNewest queue should fail")
	}
	if q.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", q.Dropped())
	}
	v, _ := q.TryPop()
	if v != 1 {
		t.Fatalf("expected oldest item 1 preserved, got %d", v)
	}
}

func TestDropOldestWhenFull(t *testing.T) {
	q := New[int](2, DropOldest)
	q.TryPush(1)
	q.TryPush(2)
	if !q.TryPush(3) {
		t.Fatalf("push into full DropOldest queue should succeed by evicting")
	}
	v1, _ := q.TryPop()
	v2, _ := q.TryPop()
	if v1 != 2 || v2 != 3 {
		t.Fatalf("expected [2,3] after eviction, got [%d,%d]", v1, v2)
	}
}

func TestSizeNeverExceedsCapacityUnderConcurrency(t *testing.T) {
	const capacity = 5
	q := New[int](capacity, DropNewest)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				q.TryPush(id*1000 + i)
				if q.Size() > capacity {
					t.Errorf("size %d exceeded capacity %d", q.Size(), capacity)
				}
			}
		}(p)
	}
	wg.Wait()

	if q.Size() > capacity {
		t.Fatalf("final size %d exceeds capacity %d", q.Size(), capacity)
	}
}

func TestWaitPopTimeout(t *testing.T) {
	q := New[int](2, DropNewest)
	start := time.Now()
	_, ok := q.WaitPop(20 * time.Millisecond)
	if ok {
		t.Fatalf("WaitPop on empty queue should time out")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("WaitPop returned too early")
	}
}

func TestWaitPopSucceedsWhenItemArrives(t *testing.T) {
	q := New[int](2, DropNewest)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.TryPush(42)
	}()
	v, ok := q.WaitPop(200 * time.Millisecond)
	if !ok || v != 42 {
		t.Fatalf("WaitPop = (%d, %v), want (42, true)", v, ok)
	}
}

func TestVideoAudioCapacities(t *testing.T) {
	if VideoCapacity != 5 {
		t.Fatalf("VideoCapacity = %d, want 5", VideoCapacity)
	}
	if AudioCapacity != 16 {
		t.Fatalf("AudioCapacity = %d, want 16", AudioCapacity)
	}
}
