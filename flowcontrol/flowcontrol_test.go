package flowcontrol

import "testing"

func TestRecordTriggersAtWatermark(t *testing.T) {
	c, err := New(true, WithBufferSize(1000), WithWatermarkPercent(50))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if ackDue, _ := c.Record(400); ackDue {
		t.Fatalf("ack due too early at 400/1000 bytes")
	}
	ackDue, total := c.Record(200)
	if !ackDue {
		t.Fatalf("expected ack due at 600/1000 bytes")
	}
	if total != 600 {
		t.Fatalf("total = %d, want 600", total)
	}

	c.Reset()
	if c.UnackedBytes() != 0 {
		t.Fatalf("UnackedBytes after Reset = %d, want 0", c.UnackedBytes())
	}
}

func TestDisabledNeverAcks(t *testing.T) {
	c, err := New(false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ackDue, _ := c.Record(1 << 30); ackDue {
		t.Fatalf("disabled controller must never report ack due")
	}
}

func TestInvalidWatermarkRejected(t *testing.T) {
	if _, err := New(true, WithWatermarkPercent(0)); err == nil {
		t.Fatalf("expected error for 0%% watermark")
	}
	if _, err := New(true, WithWatermarkPercent(150)); err == nil {
		t.Fatalf("expected error for 150%% watermark")
	}
}
