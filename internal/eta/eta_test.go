package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorUsesClientThenCache(t *testing.T) {
	c := &fakeClient{v: 120}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 10.5}, models.Coord{Lat: 10.51}

	if got := e.Estimate(context.Background(), a, b); got != 120 {
		t.Fatalf("expected 120, got %v", got)
	}
	if got := e.Estimate(context.Background(), a, b); got != 120 {
		t.Fatalf("expected cached 120, got %v", got)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBackToStraightLine(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{}, models.Coord{Lat: 0.01}
	want := EstimateSeconds(a, b, 10)
	if got := e.Estimate(context.Background(), a, b); got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if want < 100 || want > 120 {
		t.Fatalf("straight-line estimate out of range: %v", want)
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{Lat: 1})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got != 321.5 {
		t.Fatalf("expected 321.5, got %v", got)
	}
}

func TestQuickNeverCallsClient(t *testing.T) {
	c := &fakeClient{v: 300}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{}, models.Coord{Lat: 0.01}

	got, exact := e.Quick(a, b)
	if exact || got != EstimateSeconds(a, b, 10) {
		t.Fatalf("expected straight-line estimate, got %v exact=%v", got, exact)
	}
	e.Estimate(context.Background(), a, b)
	if got, exact := e.Quick(a, b); !exact || got != 300 {
		t.Fatalf("expected cached 300, got %v exact=%v", got, exact)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}
