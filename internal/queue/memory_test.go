package queue_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ricirt/karnak/internal/queue"
)

func TestMemory_SendReceiveDelete(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	if err := q.Send(ctx, "work", []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := q.Receive(ctx, "work", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	attrs, _ := q.Attributes(ctx, "work")
	if attrs.Available != 1 || attrs.InFlight != 2 || attrs.Total() != 3 {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}

	if err := q.Delete(ctx, "work", []string{msgs[0].Receipt, msgs[1].Receipt}); err != nil {
		t.Fatal(err)
	}
	attrs, _ = q.Attributes(ctx, "work")
	if attrs.Total() != 1 {
		t.Fatalf("expected 1 message left, got %+v", attrs)
	}
}

func TestMemory_ReceiveCapsAtLimit(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	bodies := make([]string, 25)
	for i := range bodies {
		bodies[i] = fmt.Sprint(i)
	}
	_ = q.Send(ctx, "work", bodies)

	msgs, _ := q.Receive(ctx, "work", 100, 0)
	if len(msgs) != queue.ReceiveLimit {
		t.Fatalf("expected %d messages, got %d", queue.ReceiveLimit, len(msgs))
	}
}

func TestMemory_ReturnMakesMessageVisible(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	_ = q.Send(ctx, "work", []string{"only"})

	msgs, _ := q.Receive(ctx, "work", 1, 0)
	if len(msgs) != 1 {
		t.Fatal("expected a message")
	}
	if again, _ := q.Receive(ctx, "work", 1, 0); len(again) != 0 {
		t.Fatal("in-flight message must not be delivered twice")
	}

	if err := q.Return(ctx, "work", msgs[0].Receipt); err != nil {
		t.Fatal(err)
	}
	again, _ := q.Receive(ctx, "work", 1, 0)
	if len(again) != 1 || again[0].Body != "only" {
		t.Fatalf("expected returned message, got %v", again)
	}
	if again[0].Receipt == msgs[0].Receipt {
		t.Fatal("expected a fresh receipt on redelivery")
	}
}

func TestMemory_VisibilityTimeoutRedelivers(t *testing.T) {
	q := queue.NewMemory(queue.WithVisibilityTimeout(20 * time.Millisecond))
	ctx := context.Background()
	_ = q.Send(ctx, "work", []string{"x"})

	first, _ := q.Receive(ctx, "work", 1, 0)
	if len(first) != 1 {
		t.Fatal("expected a message")
	}

	second, err := q.Receive(ctx, "work", 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 || second[0].Body != "x" {
		t.Fatalf("expected redelivery after visibility timeout, got %v", second)
	}
}

// TestMemory_LongPollWakesOnSend verifies a blocked receiver returns as soon
// as another goroutine sends, well before its wait elapses.
func TestMemory_LongPollWakesOnSend(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	done := make(chan []queue.Message, 1)
	go func() {
		msgs, _ := q.Receive(ctx, "work", 1, 5*time.Second)
		done <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	_ = q.Send(ctx, "work", []string{"late"})

	select {
	case msgs := <-done:
		if len(msgs) != 1 || msgs[0].Body != "late" {
			t.Fatalf("unexpected messages %v", msgs)
		}
	case <-time.After(time.Second):
		t.Fatal("long poll did not wake on send")
	}
}

func TestMemory_ReceiveTimesOutEmpty(t *testing.T) {
	q := queue.NewMemory()
	start := time.Now()
	msgs, err := q.Receive(context.Background(), "empty", 1, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %v", msgs)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("receive returned before the wait elapsed")
	}
}

func TestMemory_ContextCancellation(t *testing.T) {
	q := queue.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Receive(ctx, "work", 1, time.Minute)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after context cancellation")
	}
}

// TestMemory_ConcurrentSendReceive verifies there are no races and no
// double deliveries when many goroutines share one queue.
func TestMemory_ConcurrentSendReceive(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()

	const producers = 5
	const perProducer = 100
	const total = producers * perProducer

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				_ = q.Send(ctx, "work", []string{fmt.Sprintf("%d-%d", i, j)})
			}
		}(i)
	}

	var mu sync.Mutex
	seen := make(map[string]bool, total)
	var consumers sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				msgs, err := q.Receive(ctx, "work", queue.ReceiveLimit, 50*time.Millisecond)
				if err != nil || len(msgs) == 0 {
					return
				}
				receipts := make([]string, 0, len(msgs))
				mu.Lock()
				for _, m := range msgs {
					if seen[m.Body] {
						t.Errorf("duplicate delivery of %s", m.Body)
					}
					seen[m.Body] = true
					receipts = append(receipts, m.Receipt)
				}
				mu.Unlock()
				_ = q.Delete(ctx, "work", receipts)
			}
		}()
	}

	wg.Wait()
	consumers.Wait()

	// Consumers may exit on an idle gap before producers finish; drain the rest.
	for {
		msgs, _ := q.Receive(ctx, "work", queue.ReceiveLimit, 0)
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			seen[m.Body] = true
		}
	}
	if len(seen) != total {
		t.Fatalf("expected %d distinct messages, got %d", total, len(seen))
	}
}

func TestSendAllAndDeleteAll_Chunking(t *testing.T) {
	rec := &recordingService{Memory: queue.NewMemory()}
	ctx := context.Background()

	bodies := make([]string, 23)
	for i := range bodies {
		bodies[i] = fmt.Sprint(i)
	}
	if err := queue.SendAll(ctx, rec, "work", bodies); err != nil {
		t.Fatal(err)
	}
	if len(rec.sendSizes) != 3 || rec.sendSizes[0] != 10 || rec.sendSizes[2] != 3 {
		t.Fatalf("unexpected send chunks %v", rec.sendSizes)
	}

	var receipts []string
	for {
		msgs, _ := rec.Receive(ctx, "work", queue.ReceiveLimit, 0)
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			receipts = append(receipts, m.Receipt)
		}
	}
	if err := queue.DeleteAll(ctx, rec, "work", receipts); err != nil {
		t.Fatal(err)
	}
	if len(rec.deleteSizes) != 3 {
		t.Fatalf("unexpected delete chunks %v", rec.deleteSizes)
	}
	if attrs, _ := rec.Attributes(ctx, "work"); attrs.Total() != 0 {
		t.Fatalf("expected empty queue, got %+v", attrs)
	}
}

type recordingService struct {
	*queue.Memory
	sendSizes   []int
	deleteSizes []int
}

func (r *recordingService) Send(ctx context.Context, name string, bodies []string) error {
	r.sendSizes = append(r.sendSizes, len(bodies))
	return r.Memory.Send(ctx, name, bodies)
}

func (r *recordingService) Delete(ctx context.Context, name string, receipts []string) error {
	r.deleteSizes = append(r.deleteSizes, len(receipts))
	return r.Memory.Delete(ctx, name, receipts)
}
