package jobs

import (
	"testing"
	"time"
)

func TestCheckQuotasDestCapFirst(t *testing.T) {
	s := NewStore()
	for i := 0; i < 3; i++ {
		if _, err := s.Add("Office", "alice", "doc", 50); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	limits := QuotaLimits{MaxActivePerDest: 3}
	if v := s.CheckQuotas("Office", "bob", limits); v != QuotaLimitReached {
		t.Fatalf("verdict = %v, want QuotaLimitReached", v)
	}
	if v := s.CheckQuotas("Lab", "bob", limits); v != QuotaAllowed {
		t.Fatalf("other destination verdict = %v, want QuotaAllowed", v)
	}
}

func TestCheckQuotasUserCap(t *testing.T) {
	s := NewStore()
	_, _ = s.Add("Office", "alice", "one", 50)
	_, _ = s.Add("Lab", "alice", "two", 50)
	limits := QuotaLimits{MaxActivePerUser: 2}
	if v := s.CheckQuotas("Office", "alice", limits); v != QuotaLimitReached {
		t.Fatalf("verdict = %v, want QuotaLimitReached", v)
	}
	if v := s.CheckQuotas("Office", "bob", limits); v != QuotaAllowed {
		t.Fatalf("other user verdict = %v, want QuotaAllowed", v)
	}
}

func TestCheckQuotasRollingKOctets(t *testing.T) {
	s := NewStore()
	s.RecordUsage("Office", "alice", 900, 10, time.Now().Add(-time.Hour))
	limits := QuotaLimits{KLimit: 1000, Period: 24 * time.Hour}
	if v := s.CheckQuotas("Office", "alice", limits); v != QuotaAllowed {
		t.Fatalf("below limit verdict = %v, want QuotaAllowed", v)
	}
	s.RecordUsage("Office", "alice", 200, 5, time.Now().Add(-time.Minute))
	if v := s.CheckQuotas("Office", "alice", limits); v != QuotaDenied {
		t.Fatalf("over limit verdict = %v, want QuotaDenied", v)
	}
}

func TestCheckQuotasIgnoresUsageOutsidePeriod(t *testing.T) {
	s := NewStore()
	s.RecordUsage("Office", "alice", 5000, 100, time.Now().Add(-48*time.Hour))
	limits := QuotaLimits{KLimit: 1000, Period: 24 * time.Hour}
	if v := s.CheckQuotas("Office", "alice", limits); v != QuotaAllowed {
		t.Fatalf("verdict = %v, want QuotaAllowed for aged usage", v)
	}
}

func TestCheckQuotasCountsInFlightJobs(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	_, _ = s.AddFile(j, "big", "/tmp/big", "application/pdf", "none", 2048*1024)
	limits := QuotaLimits{KLimit: 1024, Period: time.Hour}
	if v := s.CheckQuotas("Office", "alice", limits); v != QuotaDenied {
		t.Fatalf("verdict = %v, want QuotaDenied with in-flight bytes", v)
	}
}

func TestHoldExpired(t *testing.T) {
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.Local) // a Monday, noon
	cases := []struct {
		hold string
		want bool
	}{
		{"", false},
		{"indefinite", false},
		{"no-hold", true},
		{"day-time", true},
		{"night", false},
		{"weekend", false},
		{"11:30", true},
		{"13:00", false},
	}
	for _, tc := range cases {
		j := &Job{HoldUntil: tc.hold}
		if got := HoldExpired(j, base); got != tc.want {
			t.Errorf("HoldExpired(%q) = %v, want %v", tc.hold, got, tc.want)
		}
	}
}

func TestSetHoldUntilRejectsGarbage(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	if err := s.SetHoldUntil(j, "sometime-later", false); err != ErrBadHoldValue {
		t.Fatalf("err = %v, want ErrBadHoldValue", err)
	}
	if err := s.SetHoldUntil(j, "25:00", false); err != ErrBadHoldValue {
		t.Fatalf("err = %v, want ErrBadHoldValue for out-of-range clock", err)
	}
	if err := s.SetHoldUntil(j, "17:30", false); err != nil {
		t.Fatalf("valid clock rejected: %v", err)
	}
	if j.HoldUntil != "17:30" {
		t.Fatalf("hold = %q, want 17:30", j.HoldUntil)
	}
}
