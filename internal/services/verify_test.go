package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanzch/qds/pkg/models"
)

type storedSpan struct {
	lo, hi time.Time
	n      int64
}

type rangeStore struct {
	memStore
	spans map[string]storedSpan
}

func (s *rangeStore) StoredRange(ctx context.Context, table, code string) (time.Time, time.Time, int64, error) {
	sp := s.spans[code]
	return sp.lo, sp.hi, sp.n, nil
}

func TestVerify(t *testing.T) {
	ctx := context.Background()

	if _, err := newFixture(t).svc.Verify(ctx, models.KindDay, nil); !errors.Is(err, models.ErrInput) {
		t.Fatalf("memStore cannot verify, got %v", err)
	}

	rs := &rangeStore{spans: map[string]storedSpan{
		"000001.SZ": {models.MustDate("20240301"), models.MustDate("20240308"), 6},
		"000002.SZ": {},
		"600000.SH": {models.MustDate("20240226"), models.MustDate("20240308"), 10},
	}}
	f := newFixtureWithStore(t, rs, &rs.memStore)

	if _, err := f.svc.RunCycle(ctx, CycleRequest{Kind: models.KindDay, Start: models.MustDate("20240301")}); err != nil {
		t.Fatal(err)
	}

	checks, err := f.svc.Verify(ctx, models.KindDay, []string{"600000.SH", "000002.SZ", "000001.SZ", "300750.SZ"})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		"000001.SZ": true,
		"000002.SZ": false, // covered but empty
		"300750.SZ": true,  // neither covered nor stored
		"600000.SH": false, // rows before the covered start
	}
	if len(checks) != len(want) {
		t.Fatalf("got %d checks", len(checks))
	}
	for i, c := range checks {
		if i > 0 && checks[i-1].Code > c.Code {
			t.Errorf("checks not sorted: %s before %s", checks[i-1].Code, c.Code)
		}
		if c.Consistent != want[c.Code] {
			t.Errorf("%s: consistent = %v, want %v (covered %s)", c.Code, c.Consistent, want[c.Code], c.Covered)
		}
	}
}
