package cluster

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

func ev(id, title string) persistence.Event {
	return persistence.Event{ID: id, Source: "rss", ExternalID: id, Title: title}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("c%d", n)
	}
}

type recordingStore struct {
	assigned map[string]string
	keywords map[string][]string
}

func (r *recordingStore) SetEventCluster(_ context.Context, id, clusterID string, keywords []string) error {
	if r.assigned == nil {
		r.assigned = map[string]string{}
		r.keywords = map[string][]string{}
	}
	r.assigned[id] = clusterID
	r.keywords[id] = keywords
	return nil
}

var quakeEvents = []persistence.Event{
	ev("a", "İstanbul depremi korkuttu"),
	ev("b", "İstanbul depremi korkuttu Kandilli"),
	ev("c", "Kandilli yeni açıklama yaptı"),
}

func TestCosineOfTermVectors(t *testing.T) {
	a := vectorize(quakeEvents[0].Title)
	b := vectorize(quakeEvents[1].Title)
	if len(a) != 5 || len(b) != 7 {
		t.Fatalf("vector sizes = %d, %d; want 5, 7", len(a), len(b))
	}
	want := 5 / math.Sqrt(35)
	if got := cosine(a, b); math.Abs(got-want) > 1e-9 {
		t.Fatalf("cosine = %v, want %v", got, want)
	}
	if got := cosine(a, vectorize(quakeEvents[2].Title)); got != 0 {
		t.Fatalf("disjoint cosine = %v, want 0", got)
	}
	if got := cosine(a, termVector{}); got != 0 {
		t.Fatalf("empty cosine = %v, want 0", got)
	}
}

func TestGroup_AverageLinkage(t *testing.T) {
	c := New(Config{NewID: sequentialIDs()})
	clusters := c.Group(context.Background(), quakeEvents)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(clusters))
	}
	if got := clusters[0].EventIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("first cluster = %v", got)
	}
	if got := clusters[1].EventIDs(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("second cluster = %v", got)
	}
	wantKeywords := []string{"depremi", "istanbul", "korkuttu", "kandilli"}
	if !reflect.DeepEqual(clusters[0].Keywords, wantKeywords) {
		t.Fatalf("keywords = %v, want %v", clusters[0].Keywords, wantKeywords)
	}
	if clusters[0].ID == clusters[1].ID {
		t.Fatal("cluster ids must be distinct")
	}
}

func TestGroup_ThresholdControlsMerging(t *testing.T) {
	c := New(Config{SimilarityThreshold: 0.9})
	if got := len(c.Group(context.Background(), quakeEvents)); got != 3 {
		t.Fatalf("strict threshold: expected 3 clusters, got %d", got)
	}
	c.SetThreshold(0.1)
	if got := len(c.Group(context.Background(), quakeEvents)); got != 2 {
		// a+b merge at distance .155; (a,b)-c average is .915 > .9.
		t.Fatalf("loose threshold: expected 2 clusters, got %d", got)
	}
	c.SetThreshold(-1)
	if c.Threshold() != DefaultSimilarityThreshold {
		t.Fatalf("invalid threshold not reset, got %v", c.Threshold())
	}
}

func TestGroup_DegenerateInputFallsBackToSingletons(t *testing.T) {
	c := New(Config{})
	tests := []struct {
		name   string
		events []persistence.Event
		want   int
	}{
		{"empty", nil, 0},
		{"single", []persistence.Event{ev("a", "Dolar rekor kırdı")}, 1},
		{"no vocabulary", []persistence.Event{ev("a", "ve bu da"), ev("b", "bir de")}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clusters := c.Group(context.Background(), tt.events)
			if len(clusters) != tt.want {
				t.Fatalf("got %d clusters, want %d", len(clusters), tt.want)
			}
			for _, cl := range clusters {
				if len(cl.Events) != 1 {
					t.Fatalf("expected singleton, got %d members", len(cl.Events))
				}
			}
		})
	}
}

func TestAssign_PersistsClusterIDs(t *testing.T) {
	store := &recordingStore{}
	c := New(Config{Store: store, NewID: sequentialIDs()})
	clusters, err := c.Assign(context.Background(), quakeEvents)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if store.assigned["a"] != "c1" || store.assigned["b"] != "c1" || store.assigned["c"] != "c2" {
		t.Fatalf("unexpected assignments: %v", store.assigned)
	}
	if !reflect.DeepEqual(store.keywords["a"], clusters[0].Keywords) {
		t.Fatalf("persisted keywords %v differ from %v", store.keywords["a"], clusters[0].Keywords)
	}
	if clusters[0].Events[0].ClusterID != "c1" {
		t.Fatalf("returned events not stamped: %+v", clusters[0].Events[0])
	}
}

func TestKeywords_TopFiveByFrequency(t *testing.T) {
	events := []persistence.Event{
		{Title: "Seçim sonuçları açıklandı", Description: "Seçim kurulu sonuçları duyurdu"},
		{Title: "Seçim kurulu itirazları inceledi"},
	}
	got := Keywords(events)
	want := []string{"secim", "kurulu", "sonuclari", "aciklandi", "duyurdu"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("keywords = %v, want %v", got, want)
	}
}

func TestRepresentativePrefersLongestDescription(t *testing.T) {
	cl := Cluster{Events: []persistence.Event{
		{ID: "1", Description: "kısa"},
		{ID: "2", Description: "çok daha uzun bir açıklama"},
		{ID: "3", Description: "çok daha uzun bir açıklama"},
	}}
	if got := cl.Representative().ID; got != "2" {
		t.Fatalf("representative = %s, want 2", got)
	}
}

func TestAverageLinkage_DoesNotMergeAtThreshold(t *testing.T) {
	dist := [][]float64{
		{0, 0.5, 0.2},
		{0.5, 0, 0.8},
		{0.2, 0.8, 0},
	}
	groups := averageLinkage(dist, 0.5)
	if len(groups) != 2 {
		t.Fatalf("expected two groups, got %v", groups)
	}
	if len(groups[0]) != 2 || groups[0][0] != 0 || groups[0][1] != 2 {
		t.Fatalf("expected {0,2} merged, got %v", groups)
	}

	// A pair sitting exactly on the threshold stays apart.
	groups = averageLinkage([][]float64{{0, 0.5}, {0.5, 0}}, 0.5)
	if len(groups) != 2 {
		t.Fatalf("pair at threshold must not merge, got %v", groups)
	}
}
