package geo_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/labour-choropleth/pkg/geo"
	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

const world = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"name": "Russia", "iso_a3": "RUS"}, "geometry": null},
    {"type": "Feature", "properties": {"name": "Chad", "iso_a3": "TCD"}, "geometry": null},
    {"type": "Feature", "properties": {"name": "Greenland", "iso_a3": "GRL"}, "geometry": null},
    {"type": "Feature", "properties": {"name": 7}, "geometry": null},
    {"type": "Feature", "properties": {}, "geometry": null}
  ]
}`

func TestFeatureNames(t *testing.T) {
	t.Run("default path", func(t *testing.T) {
		got, err := geo.FeatureNames([]byte(world), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"Russia", "Chad", "Greenland"}, got); diff != "" {
			t.Fatalf("names mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("custom path", func(t *testing.T) {
		got, err := geo.FeatureNames([]byte(world), "$.features[*].properties.iso_a3")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"RUS", "TCD", "GRL"}, got); diff != "" {
			t.Fatalf("names mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		if _, err := geo.FeatureNames([]byte(`{"features":`), ""); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestCheckCoverage(t *testing.T) {
	rows := []normalize.BucketedRecord{
		{DisplayCountry: "Russia", IncomeTertile: 1, LabourTertile: 1},
		{DisplayCountry: "CHAD", IncomeTertile: 0, LabourTertile: 2},
		{DisplayCountry: "Tuvalu", IncomeTertile: 1, LabourTertile: 0},
		{DisplayCountry: "Tuvalu", IncomeTertile: 1, LabourTertile: 0},
	}
	got := geo.CheckCoverage(rows, []string{"Russia", "Chad", "Greenland", "greenland"})
	want := geo.Coverage{
		Matched:         2,
		MissingGeometry: []string{"Tuvalu"},
		MissingData:     []string{"Greenland"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("coverage mismatch (-want +got):\n%s", diff)
	}
}
