package store

import (
	"testing"
	"time"
)

func makeRuns(n int, base time.Time) []Run {
	runs := make([]Run, n)
	for i := 0; i < n; i++ {
		// newest first
		runs[i] = Run{
			SUUID:     string(rune('z' - i)),
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return runs
}

// fetch simulates the keyset query a store would run for the cursor.
func fetch(all []Run, c *Cursor, limit int) []Run {
	var out []Run
	if c == nil {
		for _, r := range all {
			out = append(out, r)
		}
	} else if !c.Reverse {
		for _, r := range all {
			if r.CreatedAt.Before(c.CreatedAt) || (r.CreatedAt.Equal(c.CreatedAt) && r.SUUID < c.SUUID) {
				out = append(out, r)
			}
		}
	} else {
		for i := len(all) - 1; i >= 0; i-- {
			r := all[i]
			if r.CreatedAt.After(c.CreatedAt) || (r.CreatedAt.Equal(c.CreatedAt) && r.SUUID > c.SUUID) {
				out = append(out, r)
			}
		}
	}
	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out
}

func TestPageRuns_ForwardThenBackward(t *testing.T) {
	all := makeRuns(7, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	limit := 3

	p1 := PageRuns(fetch(all, nil, limit), nil, limit)
	if len(p1.Runs) != 3 || p1.Next == nil || p1.Previous != nil {
		t.Fatalf("unexpected first page: %+v", p1)
	}

	p2 := PageRuns(fetch(all, p1.Next, limit), p1.Next, limit)
	if len(p2.Runs) != 3 || p2.Previous == nil {
		t.Fatalf("unexpected second page: %+v", p2)
	}

	back := PageRuns(fetch(all, p2.Previous, limit), p2.Previous, limit)
	if len(back.Runs) != len(p1.Runs) {
		t.Fatalf("got %d rows back, want %d", len(back.Runs), len(p1.Runs))
	}
	for i := range p1.Runs {
		if back.Runs[i].SUUID != p1.Runs[i].SUUID {
			t.Errorf("row %d: got %s, want %s", i, back.Runs[i].SUUID, p1.Runs[i].SUUID)
		}
	}
	if back.Previous != nil {
		t.Error("first page reached backwards should have no previous cursor")
	}
	if back.Next == nil {
		t.Error("first page reached backwards should have a next cursor")
	}
}

func TestPageRuns_LastPage(t *testing.T) {
	all := makeRuns(4, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	limit := 3

	p1 := PageRuns(fetch(all, nil, limit), nil, limit)
	p2 := PageRuns(fetch(all, p1.Next, limit), p1.Next, limit)
	if len(p2.Runs) != 1 {
		t.Fatalf("got %d rows, want 1", len(p2.Runs))
	}
	if p2.Next != nil {
		t.Error("last page should have no next cursor")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2025, 1, 1, 10, 0, 0, 123, time.UTC), SUUID: "abcd-efgh-ijkm-npqr", Reverse: true}

	got, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.SUUID != c.SUUID || !got.Reverse {
		t.Errorf("got %v, want %v", got, c)
	}

	if _, err := DecodeCursor("!!!"); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestClampPageSize(t *testing.T) {
	if ClampPageSize(0) != 25 || ClampPageSize(500) != 100 || ClampPageSize(10) != 10 {
		t.Error("unexpected page size clamping")
	}
}
