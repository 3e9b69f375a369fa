package persistence_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

func TestInsertEvents_IdempotentOnSourceAndExternalID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	batch := []persistence.NewEvent{
		{Source: "rss", ExternalID: "a1", Title: "Dolar rekor kırdı", Category: "ekonomi"},
		{Source: "rss", ExternalID: "a2", Title: "Derbi berabere bitti", Category: "spor"},
		{Source: "wiki", ExternalID: "a1", Title: "Tarihte bugün", Category: "bilgi"},
	}
	inserted, err := store.InsertEvents(ctx, batch)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(inserted) != 3 {
		t.Fatalf("expected 3 new events, got %d", len(inserted))
	}

	again, err := store.InsertEvents(ctx, append(batch, persistence.NewEvent{Source: "rss", ExternalID: "a3", Title: "Yeni haber"}))
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if len(again) != 1 || again[0].ExternalID != "a3" {
		t.Fatalf("expected only the unseen event, got %+v", again)
	}

	pending, err := store.ListNewEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("expected 4 new events, got %d", len(pending))
	}

	if _, err := store.InsertEvents(ctx, []persistence.NewEvent{{Source: "rss", ExternalID: "x"}}); err == nil {
		t.Fatal("expected error for event without title")
	}
}

func TestEventClusterAndStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	inserted, err := store.InsertEvents(ctx, []persistence.NewEvent{
		{Source: "rss", ExternalID: "1", Title: "Merkez bankası faiz kararı", Category: "ekonomi"},
		{Source: "rss", ExternalID: "2", Title: "Faiz kararı piyasaları salladı", Category: "ekonomi"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	a, b := inserted[0], inserted[1]

	if err := store.SetEventCluster(ctx, a.ID, "c-1", []string{"faiz", "karar"}); err != nil {
		t.Fatalf("set cluster: %v", err)
	}
	if err := store.MarkEventProcessed(ctx, a.ID, ""); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := store.MarkEventIgnored(ctx, b.ID); err != nil {
		t.Fatalf("mark ignored: %v", err)
	}

	got, err := store.GetEvent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ClusterID != "c-1" || len(got.ClusterKeywords) != 2 || got.Status != persistence.EventProcessed {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Title != a.Title {
		t.Fatalf("title changed: %q", got.Title)
	}

	pending, err := store.ListNewEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list new: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no new events, got %d", len(pending))
	}

	if err := store.MarkEventIgnored(ctx, "missing"); !errors.Is(err, persistence.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
