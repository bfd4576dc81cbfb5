package redisstream

import "testing"

func TestPartitionForIsStable(t *testing.T) {
	a := PartitionFor("m-1", 4)
	for i := 0; i < 10; i++ {
		if got := PartitionFor("m-1", 4); got != a {
			t.Fatalf("partition changed between calls: %d then %d", a, got)
		}
	}
	if a < 0 || a >= 4 {
		t.Fatalf("partition %d out of range", a)
	}
}

func TestPartitionForSinglePartition(t *testing.T) {
	if got := PartitionFor("anything", 1); got != 0 {
		t.Fatalf("partition = %d, want 0", got)
	}
	if got := PartitionFor("anything", 0); got != 0 {
		t.Fatalf("partition = %d, want 0 for degenerate count", got)
	}
}

func TestStreamName(t *testing.T) {
	c := &Consumer{cfg: ConsumerConfig{StreamPrefix: "telemetry:readings", Partitions: 4}}
	if got := c.StreamName(2); got != "telemetry:readings:2" {
		t.Fatalf("stream name = %q", got)
	}
}

func TestNewConsumerValidation(t *testing.T) {
	if _, err := NewConsumer(nil, ConsumerConfig{Group: "g", ConsumerName: "c", Partitions: 1}); err == nil {
		t.Fatal("nil client accepted")
	}
}
