package bus

import (
	"testing"
	"time"
)

func TestUDPBus_PublishTakeRoundTrip(t *testing.T) {
	t.Parallel()

	a, err := NewUDPBus("127.0.0.1:0", nil, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPBus a: %v", err)
	}
	defer a.Close()

	b, err := NewUDPBus("127.0.0.1:0", []string{a.LocalAddr()}, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPBus b: %v", err)
	}
	defer b.Close()

	r, err := NewReader[testMsg](a, "t1", false)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	w := NewWriter[testMsg](b, "t1", false)

	if err := w.Publish(testMsg{N: 9}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		samples := r.Take()
		if len(samples) > 0 {
			if !samples[0].Valid || samples[0].Value.N != 9 {
				t.Fatalf("samples[0]=%+v", samples[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for UDP delivery")
}

func TestUDPBus_ReliableTopicReplaysLastSampleToLateSubscriber(t *testing.T) {
	t.Parallel()

	a, err := NewUDPBus("127.0.0.1:0", nil, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPBus a: %v", err)
	}
	defer a.Close()

	b, err := NewUDPBus("127.0.0.1:0", []string{a.LocalAddr()}, nil, nil)
	if err != nil {
		t.Fatalf("NewUDPBus b: %v", err)
	}
	defer b.Close()

	w := NewWriter[testMsg](b, "reliable", true)
	// Prime a's topic reliability metadata before any local subscriber
	// exists, by first opening a throwaway reader (a real deployment
	// would have set up all readers before the round starts).
	if _, err := NewReader[testMsg](a, "reliable", true); err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if err := w.Publish(testMsg{N: 5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var lastSeen bool
	for time.Now().Before(deadline) {
		a.mu.Lock()
		topic, ok := a.topics["reliable"]
		a.mu.Unlock()
		if ok {
			topic.mu.Lock()
			lastSeen = topic.hasLast
			topic.mu.Unlock()
		}
		if lastSeen {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !lastSeen {
		t.Fatal("timed out waiting for reliable sample to arrive")
	}

	late, err := NewReader[testMsg](a, "reliable", true)
	if err != nil {
		t.Fatalf("NewReader (late): %v", err)
	}
	samples := late.Take()
	if len(samples) != 1 || samples[0].Value.N != 5 {
		t.Fatalf("samples=%+v, want replay of last sample", samples)
	}
}
