package app_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const indicator = "Labour force participation rate (%) - Female"

func rowsCSV() string {
	lines := []string{"setting,indicator_name,dimension,subgroup,wbincome2024,estimate"}
	add := func(country, ind, subgroup, income, estimate string) {
		lines = append(lines, strings.Join([]string{country, `"` + ind + `"`, "Place of residence", subgroup, income, estimate}, ","))
	}
	add("Russian Federation", indicator, "Rural", "Upper middle income", "50.4")
	add("Russian Federation", indicator, "Urban", "Upper middle income", "52.0")
	add("Chad", "Some other indicator", "Rural", "Low income", "10")
	add("Chad", indicator, "Rural", "Low income", "70.1")
	add("Chad", indicator, "Urban", "Low income", "60")
	add("Peru", indicator, "Rural", "Upper middle income", "n/a")
	add("Peru", indicator, "Urban", "Upper middle income", "65")
	add("Niue", indicator, "Rural", "Unclassified", "40")
	add("Niue", indicator, "Urban", "Unclassified", "41")
	return strings.Join(lines, "\n") + "\n"
}

const wantBucketedCSV = "country,income_tertile,labour_tertile\nRussia,1,1\nChad,0,2\n"

const worldGeoJSON = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"name":"Russia"},"geometry":null},
 {"type":"Feature","properties":{"name":"Chad"},"geometry":null},
 {"type":"Feature","properties":{"name":"Greenland"},"geometry":null}
]}`

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}
