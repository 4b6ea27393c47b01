package cachestatus

import "testing"

func TestString(t *testing.T) {
	cases := []struct {
		cs       CacheStatus
		expected string
	}{
		{CacheStatus{Status: StatusHit}, "OfflineCache; hit"},
		{CacheStatus{Status: StatusFwd, FwdReason: FwdReasonUriMiss}, "OfflineCache; fwd=uri-miss"},
		{CacheStatus{Status: StatusFwd, FwdReason: FwdReasonRequest, Stored: true}, "OfflineCache; fwd=request; stored"},
		{CacheStatus{Status: StatusHit, TimeToLive: 60, Detail: DetailStale}, "OfflineCache; hit; ttl=60; detail=stale"},
	}
	for _, c := range cases {
		if s := c.cs.String(); s != c.expected {
			t.Errorf("Got %q, expected %q", s, c.expected)
		}
	}
}

func TestHitClearsFwdReason(t *testing.T) {
	var cs CacheStatus
	cs.Forward(FwdReasonStale)
	cs.Hit()
	if s := cs.String(); s != "OfflineCache; hit" {
		t.Fatalf("Status is %s", s)
	}
}
