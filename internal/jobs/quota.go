package jobs

import (
	"time"
)

// QuotaVerdict is the outcome of the pre-submission quota gates.
type QuotaVerdict int

const (
	QuotaAllowed QuotaVerdict = iota
	QuotaDenied
	QuotaLimitReached
)

// QuotaLimits are the per-destination limits consulted by CheckQuotas.
// Zero values disable the corresponding gate.
type QuotaLimits struct {
	// MaxActivePerDest caps pending+held+processing jobs on one queue.
	MaxActivePerDest int
	// MaxActivePerUser caps one user's active jobs across the server.
	MaxActivePerUser int
	// KLimit and PageLimit bound a user's resource usage on this queue
	// over the rolling Period.
	KLimit    int
	PageLimit int
	Period    time.Duration
}

type usageRecord struct {
	Dest     string
	Username string
	KOctets  int
	Pages    int
	When     time.Time
}

// CheckQuotas evaluates the three submission gates in order: the global
// per-destination active cap, the global per-user active cap, then the
// per-user rolling byte/page quota for this destination. The cheap integer
// caps run before the usage scan, and evaluation short-circuits on the
// first violation.
func (s *Store) CheckQuotas(dest, username string, limits QuotaLimits) QuotaVerdict {
	if limits.MaxActivePerDest > 0 && s.CountActive(dest, "") >= limits.MaxActivePerDest {
		return QuotaLimitReached
	}
	if limits.MaxActivePerUser > 0 && s.CountActive("", username) >= limits.MaxActivePerUser {
		return QuotaLimitReached
	}
	if (limits.KLimit > 0 || limits.PageLimit > 0) && limits.Period > 0 {
		k, pages := s.rollingUsage(dest, username, limits.Period)
		if limits.KLimit > 0 && k >= limits.KLimit {
			return QuotaDenied
		}
		if limits.PageLimit > 0 && pages >= limits.PageLimit {
			return QuotaDenied
		}
	}
	return QuotaAllowed
}

func (s *Store) rollingUsage(dest, username string, period time.Duration) (kOctets, pages int) {
	cutoff := time.Now().Add(-period)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop records older than any plausible window while scanning.
	kept := s.usage[:0]
	for _, rec := range s.usage {
		if rec.When.Before(cutoff.Add(-24 * time.Hour)) {
			continue
		}
		kept = append(kept, rec)
		if rec.Dest != dest || rec.Username != username || rec.When.Before(cutoff) {
			continue
		}
		kOctets += rec.KOctets
		pages += rec.Pages
	}
	s.usage = kept

	// Jobs still in flight count against the quota too.
	for _, j := range s.all {
		if j.Dest == dest && j.Username == username && !j.State.Terminal() {
			kOctets += j.KOctets
			pages += j.Impressions
		}
	}
	return kOctets, pages
}

// RecordUsage adds a historical usage record, used when reloading persisted
// quota state at startup.
func (s *Store) RecordUsage(dest, username string, kOctets, pages int, when time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, usageRecord{Dest: dest, Username: username, KOctets: kOctets, Pages: pages, When: when})
}
