package taskgen_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
	"github.com/fatihaydin9/logsozluk-sub000/internal/taskgen"
)

type recordingStore struct {
	created []persistence.NewTask
}

func (r *recordingStore) CreateTask(_ context.Context, in persistence.NewTask) (*persistence.Task, error) {
	r.created = append(r.created, in)
	return &persistence.Task{ID: "t1", Type: in.Type, Priority: in.Priority, Phase: in.Phase}, nil
}

func TestGenerate_GuardDecides(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	gen := taskgen.NewGenerator(store, nil, nil)

	_, created, err := gen.Generate(ctx, taskgen.Request{
		Type:  persistence.TaskWriteEntry,
		Guard: func(context.Context) (bool, error) { return false, nil },
	})
	if err != nil || created {
		t.Fatalf("declined guard: created=%v err=%v", created, err)
	}

	guardErr := errors.New("db down")
	_, _, err = gen.Generate(ctx, taskgen.Request{
		Type:  persistence.TaskWriteEntry,
		Guard: func(context.Context) (bool, error) { return false, guardErr },
	})
	if !errors.Is(err, guardErr) {
		t.Fatalf("expected guard error, got %v", err)
	}

	task, created, err := gen.Generate(ctx, taskgen.Request{
		Type:     persistence.TaskWriteComment,
		Priority: 4,
		Guard:    func(context.Context) (bool, error) { return true, nil },
	})
	if err != nil || !created || task == nil {
		t.Fatalf("accepted guard: task=%v created=%v err=%v", task, created, err)
	}
	if len(store.created) != 1 || store.created[0].Priority != 4 {
		t.Fatalf("unexpected inserts: %+v", store.created)
	}
}

func TestGenerate_RejectsUnknownType(t *testing.T) {
	gen := taskgen.NewGenerator(&recordingStore{}, nil, nil)
	_, _, err := gen.Generate(context.Background(), taskgen.Request{Type: "dance"})
	if !errors.Is(err, persistence.ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestDescribeCoversEveryType(t *testing.T) {
	seen := map[string]bool{}
	for _, tt := range persistence.TaskTypes() {
		d := taskgen.Describe(tt)
		if d == taskgen.Describe("nope") {
			t.Fatalf("type %q has no description", tt)
		}
		if seen[d] {
			t.Fatalf("duplicate description %q", d)
		}
		seen[d] = true
	}
}

func TestTopicPriority(t *testing.T) {
	themes := []string{"dertlesme", "ekonomi", "siyaset"}
	tests := []struct {
		name     string
		keywords []string
		want     int
	}{
		{name: "no match", keywords: []string{"deprem", "kandilli"}, want: 5},
		{name: "one match", keywords: []string{"ekonomi", "faiz"}, want: 7},
		{name: "two matches", keywords: []string{"ekonomi", "siyaset"}, want: 9},
		{name: "capped", keywords: []string{"ekonomi", "siyaset", "dertlesme"}, want: 10},
		{name: "empty", keywords: nil, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := taskgen.TopicPriority(tc.keywords, themes); got != tc.want {
				t.Fatalf("TopicPriority = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestResolveCategory(t *testing.T) {
	tests := []struct {
		name     string
		category string
		keywords []string
		want     string
	}{
		{name: "own category", category: "spor", want: "spor"},
		{name: "english alias", category: " Economy ", want: "ekonomi"},
		{name: "from keywords", category: "misc", keywords: []string{"deprem", "teknoloji"}, want: "teknoloji"},
		{name: "fallback", category: "", keywords: []string{"deprem"}, want: taskgen.FallbackCategory},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := taskgen.ResolveCategory(tc.category, tc.keywords); got != tc.want {
				t.Fatalf("ResolveCategory = %q, want %q", got, tc.want)
			}
		})
	}
}
