package meshrpc

import "testing"

func TestSignal_EmitCallsAllSubscribers(t *testing.T) {
	var sig Signal[int]
	var a, b int
	sig.Connect(func(v int) { a = v })
	sig.Connect(func(v int) { b = v * 2 })

	sig.Emit(3)

	if a != 3 || b != 6 {
		t.Fatalf("got a=%d b=%d", a, b)
	}
}

func TestSignal_Disconnect(t *testing.T) {
	var sig Signal[int]
	calls := 0
	link := sig.Connect(func(int) { calls++ })

	sig.Emit(1)
	sig.Disconnect(link)
	sig.Emit(1)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestSignal_DisconnectUnknownLinkIsNoop(t *testing.T) {
	var sig Signal[int]
	sig.Disconnect(SignalLink(999))
}

func TestSignal_ReentrantDisconnectDuringEmit(t *testing.T) {
	var sig Signal[int]
	var link SignalLink
	fired := 0
	link = sig.Connect(func(int) {
		fired++
		sig.Disconnect(link)
	})

	sig.Emit(1)
	sig.Emit(1)

	if fired != 1 {
		t.Fatalf("expected the subscriber to fire exactly once, got %d", fired)
	}
}
