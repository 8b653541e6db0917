package meshrpc

import "testing"

func TestCacheMetrics_Snapshot(t *testing.T) {
	m := newCacheMetrics()
	m.DialsAttempted.Add(3)
	m.DialRacesWon.Add(1)

	snap := m.Snapshot()
	if snap["dials_attempted"] != 3 {
		t.Fatalf("got %d", snap["dials_attempted"])
	}
	if snap["dial_races_won"] != 1 {
		t.Fatalf("got %d", snap["dial_races_won"])
	}
	if snap["dials_failed"] != 0 {
		t.Fatalf("expected zero for untouched counters, got %d", snap["dials_failed"])
	}
}

func TestGatewayMetrics_Snapshot(t *testing.T) {
	m := newGatewayMetrics()
	m.Forwarded.Add(5)
	m.RoutingMisses.Add(2)

	snap := m.Snapshot()
	if snap["forwarded"] != 5 || snap["routing_misses"] != 2 {
		t.Fatalf("got %+v", snap)
	}
}
