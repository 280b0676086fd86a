package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "json", "stdout", 0); err != nil {
		t.Fatalf("report level rejected: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("report level should map to info, got %v", log.GetLevel())
	}
}

func TestChannelCountersAccumulate(t *testing.T) {
	RecordChannelMessage("test_channel", 10)
	RecordChannelMessage("test_channel", 5)

	v, ok := channels.Load("test_channel")
	if !ok {
		t.Fatal("channel stat not recorded")
	}
	cs := v.(*channelStat)
	if cs.messages != 2 || cs.bytes != 15 {
		t.Fatalf("unexpected channel stat: messages=%d bytes=%d", cs.messages, cs.bytes)
	}
}

func TestDeliveryCountersAccumulate(t *testing.T) {
	before := deliveries
	IncrementDelivery(100)
	IncrementDelivery(200)
	if deliveries != before+2 {
		t.Fatalf("deliveries not counted: %d", deliveries-before)
	}

	beforeFail := deliveryFailures
	IncrementDeliveryFailure()
	if deliveryFailures != beforeFail+1 {
		t.Fatalf("delivery failures not counted")
	}
}
