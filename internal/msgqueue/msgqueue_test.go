package msgqueue

import (
	"testing"
	"time"

	"github.com/jaracil/fieldnode/internal/model"
)

func TestPopOrdersByPriorityThenAge(t *testing.T) {
	q := New()
	base := time.Now().UTC()

	low := &model.Item{Priority: model.PriorityFileMo, EnqueuedAt: base}
	high := &model.Item{Priority: model.PrioritySbdMo, EnqueuedAt: base.Add(time.Second)}
	older := &model.Item{Priority: model.PrioritySbdMo, EnqueuedAt: base.Add(-time.Second)}

	q.Push(low)
	q.Push(high)
	q.Push(older)

	first, ok := q.Pop(0)
	if !ok || first != older {
		t.Fatalf("expected older same-priority item first, got %v", first)
	}
	second, ok := q.Pop(0)
	if !ok || second != high {
		t.Fatalf("expected high-priority item second, got %v", second)
	}
	third, ok := q.Pop(0)
	if !ok || third != low {
		t.Fatalf("expected low-priority item last, got %v", third)
	}
	if _, ok := q.Pop(0); ok {
		t.Fatal("expected empty queue")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan *model.Item, 1)
	go func() {
		item, ok := q.Pop(time.Second)
		if !ok {
			done <- nil
			return
		}
		done <- item
	}()

	time.Sleep(20 * time.Millisecond)
	item := &model.Item{Priority: model.PrioritySbdMo}
	q.Push(item)

	select {
	case got := <-done:
		if got != item {
			t.Fatalf("Pop returned %v, want %v", got, item)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop never returned after Push")
	}
}

func TestPopTimesOutWhenEmpty(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.Pop(30 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("Pop returned before its timeout elapsed")
	}
}

func TestRequeueDeprioritises(t *testing.T) {
	q := New()
	item := &model.Item{Priority: model.PrioritySbdMo, SBD: &model.SbdMo{}}
	q.Requeue(item)
	if item.Priority != model.PriorityRequeued {
		t.Errorf("Requeue did not deprioritise: got %d", item.Priority)
	}
	fresh := &model.Item{Priority: model.PrioritySbdMo, EnqueuedAt: time.Now().UTC().Add(time.Hour)}
	q.Push(fresh)
	first, _ := q.Pop(0)
	if first != fresh {
		t.Fatal("fresh high-priority item should dequeue before requeued item")
	}
}

func TestMTPendingFlag(t *testing.T) {
	q := New()
	if q.PeekMTPending() {
		t.Fatal("new queue should not report MT pending")
	}
	q.SetMTPending(true)
	if !q.PeekMTPending() {
		t.Fatal("expected MT pending after SetMTPending(true)")
	}
}
