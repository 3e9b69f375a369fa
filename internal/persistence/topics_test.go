package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/dedup"
	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

func TestSlugs_ArePermanent(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	retired, err := store.RetireSlug(ctx, "dolar-rekor-kirdi", "Dolar rekor kırdı", "ekonomi")
	if err != nil || !retired {
		t.Fatalf("retire = %v, %v", retired, err)
	}
	retired, err = store.RetireSlug(ctx, "dolar-rekor-kirdi", "Dolar rekor kırdı", "ekonomi")
	if err != nil || retired {
		t.Fatalf("second retire = %v, %v; want already retired", retired, err)
	}
	clock.Advance(400 * 24 * time.Hour)
	exists, err := store.SlugExists(ctx, "dolar-rekor-kirdi")
	if err != nil || !exists {
		t.Fatalf("slug exists = %v, %v", exists, err)
	}
	exists, err = store.SlugExists(ctx, "euro-rekor-kirdi")
	if err != nil || exists {
		t.Fatalf("unknown slug exists = %v, %v", exists, err)
	}
}

func TestCreateTopic_RetiresSlugAndFeedsCorpus(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	old, err := store.CreateTopic(ctx, persistence.NewTopic{Title: "Eski haber", Slug: "eski-haber", Category: "ekonomi"})
	if err != nil {
		t.Fatalf("create old topic: %v", err)
	}
	clock.Advance(31 * 24 * time.Hour)
	for _, title := range []string{"Faiz kararı açıklandı", "Enflasyon verisi geldi"} {
		if _, err := store.CreateTopic(ctx, persistence.NewTopic{Title: title, Slug: title, Category: "ekonomi"}); err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
		clock.Advance(time.Minute)
	}
	if _, err := store.CreateTopic(ctx, persistence.NewTopic{Title: "Derbi", Slug: "derbi", Category: "spor"}); err != nil {
		t.Fatalf("create spor topic: %v", err)
	}

	exists, err := store.SlugExists(ctx, old.Slug)
	if err != nil || !exists {
		t.Fatalf("topic slug not retired: %v, %v", exists, err)
	}
	if _, err := store.CreateTopic(ctx, persistence.NewTopic{Title: "Eski haber 2", Slug: "eski-haber", Category: "ekonomi"}); !errors.Is(err, persistence.ErrSlugTaken) {
		t.Fatalf("expected ErrSlugTaken, got %v", err)
	}

	titles, err := store.RecentTitles(ctx, "ekonomi", clock.Now().Add(-30*24*time.Hour), 200)
	if err != nil {
		t.Fatalf("recent titles: %v", err)
	}
	if len(titles) != 2 || titles[0] != "Enflasyon verisi geldi" || titles[1] != "Faiz kararı açıklandı" {
		t.Fatalf("unexpected corpus: %v", titles)
	}
	titles, err = store.RecentTitles(ctx, "ekonomi", clock.Now().Add(-30*24*time.Hour), 1)
	if err != nil || len(titles) != 1 {
		t.Fatalf("limited corpus = %v, %v", titles, err)
	}
}

func TestDedupRecords_WindowSemantics(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	now := clock.Now()

	rec := dedup.Record{Key: "topic:ekonomi:abc", Title: "Dolar rekor kırdı", FirstSeen: now, ExpiresAt: now.Add(24 * time.Hour)}
	if err := store.PutDedupRecord(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A second put inside the window keeps the original first_seen.
	again := rec
	again.FirstSeen = now.Add(time.Hour)
	again.ExpiresAt = again.FirstSeen.Add(24 * time.Hour)
	if err := store.PutDedupRecord(ctx, again); err != nil {
		t.Fatalf("put again: %v", err)
	}

	got, ok, err := store.GetDedupRecord(ctx, rec.Key, now.Add(23*time.Hour))
	if err != nil || !ok {
		t.Fatalf("get inside window = %v, %v", ok, err)
	}
	if !got.FirstSeen.Equal(now) {
		t.Fatalf("first_seen moved to %v", got.FirstSeen)
	}
	if _, ok, _ := store.GetDedupRecord(ctx, rec.Key, now.Add(24*time.Hour)); ok {
		t.Fatal("record must be gone once the window closes")
	}

	n, err := store.PruneDedupRecords(ctx, now.Add(25*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestDedupRecords_BackStoreCache(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()
	cache := dedup.NewStoreCache(store, 24*time.Hour, dedup.ClockFunc(clock.Now))

	if err := cache.Put(ctx, "topic:spor:x", dedup.Entry{Title: "Derbi"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, err := cache.Get(ctx, "topic:spor:x"); err != nil || !ok {
		t.Fatalf("get = %v, %v", ok, err)
	}
	clock.Advance(24 * time.Hour)
	if _, ok, _ := cache.Get(ctx, "topic:spor:x"); ok {
		t.Fatal("expected expiry after ttl")
	}
}

func TestRecentTitles_IncludesRetiredSlugsWithoutTopic(t *testing.T) {
	store, clock := openTestStore(t)
	ctx := context.Background()

	if _, err := store.RetireSlug(ctx, "faiz-karari", "Faiz kararı açıklandı", "ekonomi"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	clock.Advance(48 * time.Hour)
	titles, err := store.RecentTitles(ctx, "ekonomi", clock.Now().Add(-30*24*time.Hour), 200)
	if err != nil {
		t.Fatalf("recent titles: %v", err)
	}
	if len(titles) != 1 || titles[0] != "Faiz kararı açıklandı" {
		t.Fatalf("unexpected corpus: %v", titles)
	}
	titles, err = store.RecentTitles(ctx, "spor", clock.Now().Add(-30*24*time.Hour), 200)
	if err != nil || len(titles) != 0 {
		t.Fatalf("other category corpus = %v, %v", titles, err)
	}
}
