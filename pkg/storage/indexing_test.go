package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/vjranagit/loopstore/pkg/types"
)

func TestIndexAddSeries(t *testing.T) {
	idx := NewIndex()

	source := types.Source{
		Kind: "glucose",
		Labels: map[string]string{
			"device": "g6",
			"site":   "arm",
		},
	}

	id := idx.AddSeries("p1", &source)
	if id == 0 {
		t.Error("Expected non-zero series ID")
	}

	// Adding same series again should return same ID
	if id2 := idx.AddSeries("p1", &source); id != id2 {
		t.Errorf("Expected same ID for duplicate series: %d != %d", id, id2)
	}

	if idx.SeriesCount() != 1 {
		t.Errorf("Expected 1 series, got %d", idx.SeriesCount())
	}

	// The same source for another patient is another series
	if id3 := idx.AddSeries("p2", &source); id3 == id {
		t.Error("Expected a distinct series per patient")
	}
}

func TestIndexFindSeries(t *testing.T) {
	idx := NewIndex()

	sources := []types.Source{
		{Kind: "glucose", Labels: map[string]string{"device": "g6", "site": "arm"}},
		{Kind: "glucose", Labels: map[string]string{"device": "libre", "site": "arm"}},
		{Kind: "glucose", Labels: map[string]string{"device": "g6", "site": "belly"}},
		{Kind: "reservoir", Labels: map[string]string{"device": "g6"}},
	}

	for i := range sources {
		idx.AddSeries("p1", &sources[i])
	}
	idx.AddSeries("p2", &sources[0])

	testCases := []struct {
		name      string
		patient   string
		kind      string
		selectors map[string]string
		want      int
	}{
		{"by kind", "p1", "glucose", nil, 3},
		{"any kind", "p1", "", nil, 4},
		{"label", "p1", "glucose", map[string]string{"device": "g6"}, 2},
		{"label across kinds", "p1", "", map[string]string{"device": "g6"}, 3},
		{"two labels", "p1", "glucose", map[string]string{"device": "g6", "site": "arm"}, 1},
		{"unknown value", "p1", "glucose", map[string]string{"device": "omnipod"}, 0},
		{"unknown label", "p1", "glucose", map[string]string{"color": "red"}, 0},
		{"other patient", "p2", "glucose", nil, 1},
		{"unknown patient", "p3", "", nil, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			found := idx.FindSeries(tc.patient, tc.kind, tc.selectors)
			if len(found) != tc.want {
				t.Errorf("Expected %d series, got %d", tc.want, len(found))
			}
		})
	}
}

func TestIndexUpdateTimeRange(t *testing.T) {
	idx := NewIndex()

	id := idx.AddSeries("p1", &types.Source{Kind: "bolus"})

	err := idx.UpdateTimeRange(id, []types.Sample{
		{Start: t0},
		{Start: t0.Add(time.Hour), End: t0.Add(time.Hour + 10*time.Minute)},
	})
	if err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}

	meta, ok := idx.GetSeries(id)
	if !ok {
		t.Fatal("Series not found")
	}

	if meta.MinTime != t0.UnixNano() {
		t.Errorf("Expected MinTime=%d, got %d", t0.UnixNano(), meta.MinTime)
	}
	if meta.MaxTime != t0.Add(time.Hour).UnixNano() {
		t.Errorf("Expected MaxTime=%d, got %d", t0.Add(time.Hour).UnixNano(), meta.MaxTime)
	}
	if meta.MaxDuration != 10*time.Minute {
		t.Errorf("Expected MaxDuration=10m, got %v", meta.MaxDuration)
	}

	// Update with expanded range
	err = idx.UpdateTimeRange(id, []types.Sample{
		{Start: t0.Add(-time.Hour)},
		{Start: t0.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}

	meta, _ = idx.GetSeries(id)
	if meta.MinTime != t0.Add(-time.Hour).UnixNano() {
		t.Errorf("Expected MinTime to widen, got %d", meta.MinTime)
	}
	if meta.MaxTime != t0.Add(2*time.Hour).UnixNano() {
		t.Errorf("Expected MaxTime to widen, got %d", meta.MaxTime)
	}
	if meta.MaxDuration != 10*time.Minute {
		t.Errorf("MaxDuration should not shrink, got %v", meta.MaxDuration)
	}

	if err := idx.UpdateTimeRange(12345, []types.Sample{{Start: t0}}); err == nil {
		t.Error("Expected error for unknown series")
	}
}

func TestCalculateFingerprint(t *testing.T) {
	source1 := types.Source{
		Kind: "glucose",
		Labels: map[string]string{
			"a": "1",
			"b": "2",
		},
	}

	source2 := types.Source{
		Kind: "glucose",
		Labels: map[string]string{
			"b": "2", // Different order
			"a": "1",
		},
	}

	fp1 := calculateFingerprint("p1", &source1)
	fp2 := calculateFingerprint("p1", &source2)

	if fp1 != fp2 {
		t.Error("Fingerprints should be same regardless of label order")
	}

	source3 := types.Source{
		Kind: "glucose",
		Labels: map[string]string{
			"a": "1",
			"b": "3", // Different value
		},
	}

	if fp1 == calculateFingerprint("p1", &source3) {
		t.Error("Different sources should have different fingerprints")
	}

	if fp1 == calculateFingerprint("p2", &source1) {
		t.Error("Different patients should have different fingerprints")
	}
}

func TestIndexSerializeRoundTrip(t *testing.T) {
	idx := NewIndex()

	sources := []types.Source{
		{Kind: "glucose", Labels: map[string]string{"device": "g6"}},
		{Kind: "carbs"},
	}

	var ids []uint64
	for i := range sources {
		id := idx.AddSeries("p1", &sources[i])
		if err := idx.UpdateTimeRange(id, []types.Sample{{Start: t0, End: t0.Add(time.Minute)}}); err != nil {
			t.Fatalf("Failed to update time range: %v", err)
		}
		ids = append(ids, id)
	}

	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Failed to serialize index: %v", err)
	}

	restored := NewIndex()
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Failed to deserialize index: %v", err)
	}

	if restored.SeriesCount() != 2 {
		t.Fatalf("Expected 2 series, got %d", restored.SeriesCount())
	}

	meta, ok := restored.GetSeries(ids[0])
	if !ok {
		t.Fatal("Series not found after restore")
	}
	if meta.PatientID != "p1" || meta.Source.Kind != "glucose" || meta.Source.Labels["device"] != "g6" {
		t.Errorf("Unexpected metadata %+v", meta)
	}
	if meta.MinTime != t0.UnixNano() || meta.MaxDuration != time.Minute {
		t.Errorf("Time bounds lost: %+v", meta)
	}

	if found := restored.FindSeries("p1", "glucose", map[string]string{"device": "g6"}); len(found) != 1 {
		t.Errorf("Expected label index to be rebuilt, got %d matches", len(found))
	}

	if err := restored.Deserialize(data[:len(data)-1]); err == nil {
		t.Error("Expected error for truncated index")
	}
}

func TestIndexEmptySeries(t *testing.T) {
	idx := NewIndex()

	id := idx.AddSeries("p1", &types.Source{Kind: "glucose"})
	meta, _ := idx.GetSeries(id)
	if !meta.empty() || meta.mayOverlap(nil, nil) {
		t.Errorf("A series without samples must be empty: %+v", meta)
	}

	epoch := time.Unix(0, 0)
	if err := idx.UpdateTimeRange(id, []types.Sample{{Start: epoch}}); err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}
	meta, _ = idx.GetSeries(id)
	if meta.empty() || meta.MinTime != 0 || meta.MaxTime != 0 {
		t.Errorf("Epoch sample not recorded: %+v", meta)
	}
	if !meta.mayOverlap(&epoch, &epoch) {
		t.Error("Expected the epoch series to overlap the epoch")
	}

	emptyID := idx.AddSeries("p1", &types.Source{Kind: "insulin"})
	data, err := idx.Serialize()
	if err != nil {
		t.Fatalf("Failed to serialize index: %v", err)
	}
	restored := NewIndex()
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Failed to deserialize index: %v", err)
	}
	if meta, _ := restored.GetSeries(emptyID); !meta.empty() {
		t.Errorf("Empty series lost its marker: %+v", meta)
	}
	if meta, _ := restored.GetSeries(id); meta.empty() {
		t.Errorf("Epoch series restored as empty: %+v", meta)
	}
}

func TestIndexCloneIsIndependent(t *testing.T) {
	idx := NewIndex()
	labels := map[string]string{"device": "g6"}
	id := idx.AddSeries("p1", &types.Source{Kind: "glucose", Labels: labels})
	labels["device"] = "libre"

	staged := idx.clone()
	staged.AddSeries("p1", &types.Source{Kind: "insulin"})
	if err := staged.UpdateTimeRange(id, []types.Sample{{Start: t0}}); err != nil {
		t.Fatalf("Failed to update time range: %v", err)
	}

	if idx.SeriesCount() != 1 {
		t.Errorf("Clone changes leaked into the index: %d series", idx.SeriesCount())
	}
	if meta, _ := idx.GetSeries(id); !meta.empty() || meta.Source.Labels["device"] != "g6" {
		t.Errorf("Unexpected metadata %+v", meta)
	}

	idx.replace(staged)
	if idx.SeriesCount() != 2 {
		t.Errorf("Expected 2 series after replace, got %d", idx.SeriesCount())
	}
	if found := idx.FindSeries("p1", "insulin", nil); len(found) != 1 {
		t.Errorf("Expected the staged series to be findable, got %v", found)
	}
}

func BenchmarkIndexAddSeries(b *testing.B) {
	idx := NewIndex()

	source := types.Source{
		Kind: "glucose",
		Labels: map[string]string{
			"device": "g6",
			"site":   "arm",
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.AddSeries("p1", &source)
	}
}

func BenchmarkIndexFindSeries(b *testing.B) {
	idx := NewIndex()

	for i := 0; i < 10000; i++ {
		source := types.Source{
			Kind:   "glucose",
			Labels: map[string]string{"device": fmt.Sprintf("g6-%d", i%10)},
		}
		idx.AddSeries(fmt.Sprintf("p%d", i%100), &source)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx.FindSeries("p1", "glucose", map[string]string{"device": "g6-1"})
	}
}
