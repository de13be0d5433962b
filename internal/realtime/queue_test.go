package realtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 3; i++ {
		if dropped := q.Enqueue([]byte(fmt.Sprintf("m%d", i))); dropped {
			t.Fatalf("unexpected drop at entry %d", i)
		}
	}
	if !q.Enqueue([]byte("m3")) {
		t.Fatal("expected overflow to drop an entry")
	}
	if q.Len() != 3 {
		t.Fatalf("expected len 3, got %d", q.Len())
	}

	var got []string
	_, err := q.Flush(func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestQueueFlushStopsOnError(t *testing.T) {
	q := NewQueue(10)
	for i := 0; i < 4; i++ {
		q.Enqueue([]byte(fmt.Sprintf("m%d", i)))
	}

	calls := 0
	sent, err := q.Flush(func(data []byte) error {
		calls++
		if string(data) == "m2" {
			return errors.New("socket gone")
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected flush error")
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if q.Len() != 2 {
		t.Fatalf("expected failed entry plus remainder in queue, got len %d", q.Len())
	}

	// Resumed flush starts at the entry that failed.
	var got []string
	if _, err := q.Flush(func(data []byte) error {
		got = append(got, string(data))
		return nil
	}); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(got) != 2 || got[0] != "m2" || got[1] != "m3" {
		t.Fatalf("expected resume from m2, got %v", got)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(5)
	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Clear()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got len %d", q.Len())
	}
}
