package jobs

import (
	"testing"
	"time"
)

func TestAddAssignsMonotonicIDs(t *testing.T) {
	s := NewStore()
	var last int
	for i := 0; i < 10; i++ {
		j, err := s.Add("Office", "alice", "doc", 50)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if j.ID <= last {
			t.Fatalf("id %d not greater than previous %d", j.ID, last)
		}
		last = j.ID
	}
}

func TestActiveOrderedByPriorityThenID(t *testing.T) {
	s := NewStore()
	low, _ := s.Add("Office", "alice", "low", 10)
	highA, _ := s.Add("Office", "alice", "high-a", 90)
	highB, _ := s.Add("Office", "alice", "high-b", 90)
	mid, _ := s.Add("Office", "alice", "mid", 50)

	got := s.Active()
	want := []*Job{highA, highB, mid, low}
	if len(got) != len(want) {
		t.Fatalf("active len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active[%d] = job %d (%s), want job %d (%s)", i, got[i].ID, got[i].Name, want[i].ID, want[i].Name)
		}
	}
}

func TestSetStateRejectsLeavingTerminalState(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	if err := s.SetState(j, StatePending, false, "none"); err != nil {
		t.Fatalf("held->pending: %v", err)
	}
	if err := s.SetState(j, StateCanceled, false, "job-canceled-by-user"); err != nil {
		t.Fatalf("pending->canceled: %v", err)
	}
	for _, to := range []State{StatePending, StateHeld, StateProcessing, StateCompleted} {
		if err := s.SetState(j, to, false, ""); err != ErrBadTransition {
			t.Fatalf("canceled->%v: err = %v, want ErrBadTransition", to, err)
		}
	}
	if j.State != StateCanceled {
		t.Fatalf("state mutated to %v after rejected transitions", j.State)
	}
}

func TestSetStateRejectsHeldToProcessing(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	if err := s.SetState(j, StateProcessing, false, ""); err != ErrBadTransition {
		t.Fatalf("held->processing: err = %v, want ErrBadTransition", err)
	}
}

func TestTerminalTransitionLeavesActiveQueue(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	_ = s.SetState(j, StatePending, false, "none")
	_ = s.SetState(j, StateProcessing, false, "job-printing")
	if s.Printing("Office") != j {
		t.Fatal("job not registered as printing")
	}
	_ = s.SetState(j, StateCompleted, false, "job-completed-successfully")
	if s.Printing("Office") != nil {
		t.Fatal("printing slot not cleared")
	}
	if n := s.CountActive("Office", ""); n != 0 {
		t.Fatalf("active count = %d, want 0", n)
	}
	if s.Find(j.ID) == nil {
		t.Fatal("completed job should remain findable until purged")
	}
}

func TestPurgeRemovesJob(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	_ = s.SetState(j, StatePending, false, "none")
	_ = s.SetState(j, StateCanceled, true, "job-purged")
	if s.Find(j.ID) != nil {
		t.Fatal("purged job still findable")
	}
}

func TestOnChangeHookFires(t *testing.T) {
	s := NewStore()
	var got []StateChange
	s.OnChange = func(c StateChange) { got = append(got, c) }
	j, _ := s.Add("Office", "alice", "doc", 50)
	_ = s.SetState(j, StatePending, false, "none")
	_ = s.SetState(j, StateCanceled, false, "job-canceled-by-user")
	if len(got) != 2 {
		t.Fatalf("OnChange fired %d times, want 2", len(got))
	}
	if got[1].From != StatePending || got[1].To != StateCanceled {
		t.Fatalf("change = %v->%v, want pending->canceled", got[1].From, got[1].To)
	}
}

func TestAddFileCountsKOctets(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	doc, err := s.AddFile(j, "doc.pdf", "/tmp/doc.pdf", "application/pdf", "none", 4096)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if doc.Number != 1 {
		t.Fatalf("document number = %d, want 1", doc.Number)
	}
	if j.KOctets != 4 {
		t.Fatalf("k-octets = %d, want 4", j.KOctets)
	}
	if _, err := s.AddFile(j, "two.pdf", "/tmp/two.pdf", "application/pdf", "none", 100); err != nil {
		t.Fatalf("AddFile second: %v", err)
	}
	if got := j.Documents[1].Number; got != 2 {
		t.Fatalf("second document number = %d, want 2", got)
	}
}

func TestCloseMovesHeldCreationToPending(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	j.DocDeadline = time.Now().Add(time.Minute)
	if err := s.Close(j); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if j.State != StatePending {
		t.Fatalf("state = %v, want pending", j.State)
	}
	if !j.DocDeadline.IsZero() {
		t.Fatal("document deadline not cleared")
	}
}

func TestCloseKeepsUserHold(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	if err := s.SetHoldUntil(j, "indefinite", false); err != nil {
		t.Fatalf("SetHoldUntil: %v", err)
	}
	if err := s.Close(j); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if j.State != StateHeld {
		t.Fatalf("state = %v, want held", j.State)
	}
}

func TestExpiredCreations(t *testing.T) {
	s := NewStore()
	j, _ := s.Add("Office", "alice", "doc", 50)
	j.DocDeadline = time.Now().Add(-time.Second)
	other, _ := s.Add("Office", "alice", "doc2", 50)
	other.DocDeadline = time.Now().Add(time.Hour)

	got := s.ExpiredCreations(time.Now())
	if len(got) != 1 || got[0] != j {
		t.Fatalf("expired = %v, want just job %d", got, j.ID)
	}
}

func TestRestorePreservesIDSequence(t *testing.T) {
	s := NewStore()
	s.Restore(&Job{ID: 41, Dest: "Office", Username: "alice", State: StateCompleted})
	j, _ := s.Add("Office", "alice", "doc", 50)
	if j.ID != 42 {
		t.Fatalf("id after restore = %d, want 42", j.ID)
	}
}
