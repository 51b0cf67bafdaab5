package sqlitestore_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
	sqlitestore "github.com/shpitdev/labour-choropleth/pkg/pipeline/io/sqlite"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordRun_RoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	res := normalize.Result{
		Filtered: make([]normalize.FilteredRecord, 4),
		Deduped:  make([]normalize.DedupedRecord, 2),
		Bucketed: []normalize.BucketedRecord{
			{DisplayCountry: "Russia", IncomeTertile: 1, LabourTertile: 1},
			{DisplayCountry: "Chad", IncomeTertile: 0, LabourTertile: 2},
		},
		Skipped: []normalize.Skipped{
			{Record: normalize.DedupedRecord{DisplayCountry: "Peru", IncomeLabel: "Upper middle income", LabourRate: math.NaN()}, Reason: normalize.SkipInvalidEstimate},
			{Record: normalize.DedupedRecord{DisplayCountry: "Niue", IncomeLabel: "Unclassified", LabourRate: 40.2}, Reason: normalize.SkipUnknownIncome},
		},
	}
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	run := sqlitestore.NewRun("run-1", "rows.csv", 9, res, started, started.Add(time.Second))

	if err := s.RecordRun(ctx, run, res.Bucketed, res.Skipped); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := s.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if diff := cmp.Diff([]sqlitestore.Run{run}, runs); diff != "" {
		t.Fatalf("runs mismatch (-want +got):\n%s", diff)
	}
	if runs[0].SkippedInvalidEstimate != 1 || runs[0].SkippedUnknownIncome != 1 || runs[0].Filtered != 4 {
		t.Fatalf("unexpected counts: %#v", runs[0])
	}

	bucketed, err := s.Bucketed(ctx, "run-1")
	if err != nil {
		t.Fatalf("bucketed: %v", err)
	}
	if diff := cmp.Diff(res.Bucketed, bucketed); diff != "" {
		t.Fatalf("bucketed mismatch (-want +got):\n%s", diff)
	}

	skipped, err := s.Skipped(ctx, "run-1")
	if err != nil {
		t.Fatalf("skipped: %v", err)
	}
	if diff := cmp.Diff(res.Skipped, skipped, cmpopts.EquateNaNs()); diff != "" {
		t.Fatalf("skipped mismatch (-want +got):\n%s", diff)
	}
}

func TestRuns_NewestFirstWithLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		run := sqlitestore.Run{ID: id, Source: "rows.csv", StartedAt: base.Add(time.Duration(i) * 500 * time.Millisecond), FinishedAt: base}
		if err := s.RecordRun(ctx, run, nil, nil); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	runs, err := s.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("unexpected order: %#v", runs)
	}
}

func TestRecordRun_DuplicateIDRollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := sqlitestore.Run{ID: "dup", Source: "x", StartedAt: time.Now(), FinishedAt: time.Now()}

	if err := s.RecordRun(ctx, run, []normalize.BucketedRecord{{DisplayCountry: "Chad"}}, nil); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := s.RecordRun(ctx, run, []normalize.BucketedRecord{{DisplayCountry: "Peru"}, {DisplayCountry: "Niue"}}, nil); err == nil {
		t.Fatalf("expected duplicate run id error")
	}
	rows, err := s.Bucketed(ctx, "dup")
	if err != nil {
		t.Fatalf("bucketed: %v", err)
	}
	if len(rows) != 1 || rows[0].DisplayCountry != "Chad" {
		t.Fatalf("failed run leaked rows: %#v", rows)
	}
}

func TestRecordRun_RequiresID(t *testing.T) {
	if err := openStore(t).RecordRun(context.Background(), sqlitestore.Run{}, nil, nil); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestDeleteRun_CascadesRows(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := sqlitestore.Run{ID: "gone", Source: "x", StartedAt: time.Now(), FinishedAt: time.Now()}
	skipped := []normalize.Skipped{{Record: normalize.DedupedRecord{DisplayCountry: "Peru"}, Reason: normalize.SkipInvalidEstimate}}
	if err := s.RecordRun(ctx, run, []normalize.BucketedRecord{{DisplayCountry: "Chad"}}, skipped); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := s.DeleteRun(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRun(ctx, "never-recorded"); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	rows, err := s.Bucketed(ctx, "gone")
	if err != nil {
		t.Fatalf("bucketed: %v", err)
	}
	sk, err := s.Skipped(ctx, "gone")
	if err != nil {
		t.Fatalf("skipped: %v", err)
	}
	if len(runs) != 0 || len(rows) != 0 || len(sk) != 0 {
		t.Fatalf("got runs=%d rows=%d skipped=%d, want all 0", len(runs), len(rows), len(sk))
	}
}
