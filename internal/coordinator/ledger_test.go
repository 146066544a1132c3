package coordinator

import (
	"testing"

	"github.com/example/trip-dispatch/internal/models"
)

func TestLedgerAccruesOnlyCompleted(t *testing.T) {
	l := newLedger()
	l.add(models.Trip{ID: "t1", ClientID: "c1", DriverID: "d1", Phase: models.PhaseCompleted, Commission: 0.75})
	l.add(models.Trip{ID: "t1", ClientID: "c1", DriverID: "d1", Phase: models.PhaseCompleted, Commission: 0.75})
	l.add(models.Trip{ID: "t2", ClientID: "c1", DriverID: "d1", Phase: models.PhaseCancelled})

	if got := l.pendingDebt("d1"); got != 0.75 {
		t.Fatalf("expected 0.75, got %v", got)
	}
	if got := len(l.pendingFor("c1")); got != 2 {
		t.Fatalf("expected 2 pending trips for c1, got %d", got)
	}

	l.settle("t1")
	l.settle("t1")
	if got := l.pendingDebt("d1"); got != 0 {
		t.Fatalf("expected settled debt 0, got %v", got)
	}
	if l.size() != 1 {
		t.Fatalf("expected one pending trip, got %d", l.size())
	}
}

func TestLedgerRateUpdatesPendingView(t *testing.T) {
	l := newLedger()
	l.add(models.Trip{ID: "t1", ClientID: "c1", Phase: models.PhaseCompleted})
	if !l.rate("t1", 4, "fine") {
		t.Fatal("expected pending trip to take the rating")
	}
	got := l.pendingFor("c1")
	if got[0].Rating == nil || *got[0].Rating != 4 {
		t.Fatalf("expected rating 4, got %+v", got[0].Rating)
	}
	if l.rate("missing", 4, "") {
		t.Fatal("rating an unknown trip must report false")
	}
}

func TestLedgerRatingHold(t *testing.T) {
	l := newLedger()
	if !l.holdRating("t1") {
		t.Fatal("expected first hold to succeed")
	}
	if l.holdRating("t1") {
		t.Fatal("expected second hold to fail")
	}
	l.releaseRating("t1")
	if !l.holdRating("t1") {
		t.Fatal("expected hold after release to succeed")
	}
}
