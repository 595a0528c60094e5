package h2

import "testing"

func TestCloseReasonStrings(t *testing.T) {
	tests := []struct {
		reason CloseReason
		want   string
	}{
		{CloseSendEndStream, "SEND_END_STREAM"},
		{CloseRecvEndStream, "RECV_END_STREAM"},
		{CloseSendRSTStream, "SEND_RST_STREAM"},
		{CloseRecvRSTStream, "RECV_RST_STREAM"},
		{CloseReason(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.reason.String(); got != tt.want {
			t.Errorf("reason %d: got %q, want %q", tt.reason, got, tt.want)
		}
	}
}

func TestClosedStreamsRecordLookup(t *testing.T) {
	cs := newClosedStreams(8)
	if _, ok := cs.lookup(1); ok {
		t.Fatal("lookup on empty record")
	}
	cs.record(1, CloseSendRSTStream)
	reason, ok := cs.lookup(1)
	if !ok || reason != CloseSendRSTStream {
		t.Fatalf("lookup(1) = %s, %t", reason, ok)
	}
	if cs.len() != 1 {
		t.Fatalf("len %d", cs.len())
	}
}

func TestClosedStreamsEviction(t *testing.T) {
	cs := newClosedStreams(3)
	for id := uint32(1); id <= 3; id++ {
		cs.record(id, CloseRecvEndStream)
	}
	cs.record(4, CloseRecvEndStream)

	if _, ok := cs.lookup(1); ok {
		t.Fatal("oldest entry must be evicted")
	}
	for id := uint32(2); id <= 4; id++ {
		if _, ok := cs.lookup(id); !ok {
			t.Fatalf("stream %d missing", id)
		}
	}
	if cs.len() != 3 {
		t.Fatalf("len %d, want 3", cs.len())
	}

	cs.record(5, CloseRecvEndStream)
	if _, ok := cs.lookup(2); ok {
		t.Fatal("eviction must proceed in insertion order")
	}
}

func TestClosedStreamsReasonUpdate(t *testing.T) {
	cs := newClosedStreams(3)
	cs.record(1, CloseRecvEndStream)
	cs.record(1, CloseSendRSTStream)

	reason, ok := cs.lookup(1)
	if !ok || reason != CloseSendRSTStream {
		t.Fatalf("lookup(1) = %s, %t, want updated reason", reason, ok)
	}
	if cs.len() != 1 {
		t.Fatalf("re-recording must not consume a slot, len %d", cs.len())
	}
}

func TestClosedStreamsZeroLimit(t *testing.T) {
	cs := newClosedStreams(0)
	if cs.limit != DefaultMaxClosedStreams {
		t.Fatalf("limit %d, want default", cs.limit)
	}
}
