package reliability

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/haystackz"
)

// Tracer lifecycle tests - verify close, restart and id pool behavior under churn
// Environment: HAYSTACK_RELIABILITY_LEVEL controls test intensity

func TestTracerLifecycle(t *testing.T) {
	config := getReliabilityConfig()

	switch config.Level {
	case "basic":
		t.Run("close_during_finish", testCloseDuringFinish)
		t.Run("churn", func(t *testing.T) { testChurn(t, 50) })
	case "stress":
		t.Run("close_during_finish", testCloseDuringFinish)
		t.Run("churn", func(t *testing.T) { testChurn(t, 1000) })
	default:
		t.Skip("HAYSTACK_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
}

// testCloseDuringFinish closes the tracer while spans are still finishing.
// Late spans are rejected by the sink and never panic.
func testCloseDuringFinish(t *testing.T) {
	transport := &countingTransport{}
	sink := haystackz.NewAsyncSink(transport)
	tracer, err := haystackz.New("closing", sink)
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = tracer.StartSpan("late").Finish()
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := tracer.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	if err := tracer.Close(context.Background()); err != nil {
		t.Errorf("Second Close returned %v", err)
	}
}

// testChurn creates and closes tracers repeatedly and checks that their
// goroutines do not accumulate.
func testChurn(t *testing.T, rounds int) {
	runtime.GC()
	baseline := runtime.NumGoroutine()

	for i := 0; i < rounds; i++ {
		sink := haystackz.NewAsyncSink(&countingTransport{}, haystackz.WithWorkers(2))
		tracer, err := haystackz.New("churn", sink)
		if err != nil {
			t.Fatalf("Failed to create tracer: %v", err)
		}
		parent := tracer.StartSpan("p")
		_ = tracer.StartSpan("c", haystackz.ChildOfSpan(parent)).Finish()
		_ = parent.Finish()
		if err := tracer.Close(context.Background()); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > baseline+2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > baseline+2 {
		t.Errorf("Goroutines grew from %d to %d after %d tracers", baseline, n, rounds)
	}
}
