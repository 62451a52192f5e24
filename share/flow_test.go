package tnshare

import "testing"

func TestFlowHalfCloseTransitions(t *testing.T) {
	f := NewFlow(1)
	f.MarkOpen()
	if f.State() != FlowOpen {
		t.Fatalf("expected Open, got %s", f.State())
	}

	f.MarkHalfClosedLocal()
	if f.State() != FlowHalfClosedLocal {
		t.Fatalf("expected HalfClosedLocal, got %s", f.State())
	}

	f.MarkHalfClosedRemote()
	if f.State() != FlowClosed {
		t.Fatalf("expected Closed once both halves close, got %s", f.State())
	}
}

func TestFlowHalfCloseTransitionsReverseOrder(t *testing.T) {
	f := NewFlow(2)
	f.MarkOpen()
	f.MarkHalfClosedRemote()
	if f.State() != FlowHalfClosedRemote {
		t.Fatalf("expected HalfClosedRemote, got %s", f.State())
	}
	f.MarkHalfClosedLocal()
	if f.State() != FlowClosed {
		t.Fatalf("expected Closed, got %s", f.State())
	}
}

func TestFlowReserveSendExhaustion(t *testing.T) {
	f := NewFlow(3)
	if !f.ReserveSend(InitialWindow) {
		t.Fatal("expected to reserve the full initial window")
	}
	if f.ReserveSend(1) {
		t.Fatal("expected reservation to fail once window is exhausted")
	}
	f.GrantSend(100)
	if !f.ReserveSend(100) {
		t.Fatal("expected reservation to succeed after a grant")
	}
}

func TestFlowAccrueReceiveCoalescing(t *testing.T) {
	f := NewFlow(4)
	if credit := f.AccrueReceive(1024); credit != 0 {
		t.Fatalf("expected no announcement below the coalescing threshold, got %d", credit)
	}
	credit := f.AccrueReceive(CoalesceBelow)
	if credit == 0 {
		t.Fatal("expected an announcement once the coalescing threshold is crossed")
	}
	if credit != CoalesceBelow+1024 {
		t.Fatalf("expected accumulated credit %d, got %d", CoalesceBelow+1024, credit)
	}
}
