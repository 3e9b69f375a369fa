// Package trending recomputes topic trending scores and picks the daily
// best entries (DEBE). It reads scheduling state but never changes it.
package trending

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

const (
	DefaultTopN   = 10
	DefaultWindow = 24 * time.Hour
	DateLayout    = "2006-01-02"
)

type Store interface {
	TopicActivity(ctx context.Context, since time.Time) ([]persistence.TopicStats, error)
	SetTrendingScores(ctx context.Context, scores []persistence.TopicScore) error
	ListDebe(ctx context.Context, date string) ([]persistence.DebePick, error)
	DebeCandidates(ctx context.Context, date string, from, to time.Time) ([]persistence.DebeCandidate, error)
	SaveDebe(ctx context.Context, picks []persistence.DebePick, authors map[string]string) error
}

type Config struct {
	Store    Store
	Clock    func() time.Time
	Location *time.Location
	Logger   *slog.Logger
	TopN     int
	Window   time.Duration
}

type Service struct {
	store  Store
	clock  func() time.Time
	loc    *time.Location
	logger *slog.Logger
	topN   int
	window time.Duration
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("trending: store is required")
	}
	s := &Service{
		store:  cfg.Store,
		clock:  cfg.Clock,
		loc:    cfg.Location,
		logger: cfg.Logger,
		topN:   cfg.TopN,
		window: cfg.Window,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.topN <= 0 {
		s.topN = DefaultTopN
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	return s, nil
}

// TopicScore is entries*10 + upvotes*2 - downvotes.
func TopicScore(st persistence.TopicStats) float64 {
	return float64(st.Entries*10 + st.Upvotes*2 - st.Downvotes)
}

// EntryScore ranks DEBE candidates: upvotes count double, and total
// engagement adds a small logarithmic bonus.
func EntryScore(up, down int) float64 {
	return float64(up*2-down) + math.Log10(float64(max(up+down, 1)))*0.5
}

// RecomputeTrending rescores every topic from the entries of the window
// ending at now. Topics without recent entries drop to zero.
func (s *Service) RecomputeTrending(ctx context.Context, now time.Time) (int, error) {
	stats, err := s.store.TopicActivity(ctx, now.Add(-s.window))
	if err != nil {
		return 0, err
	}
	scores := make([]persistence.TopicScore, len(stats))
	for i, st := range stats {
		scores[i] = persistence.TopicScore{TopicID: st.TopicID, Score: TopicScore(st)}
	}
	if err := s.store.SetTrendingScores(ctx, scores); err != nil {
		return 0, err
	}
	s.logger.Info("trending scores recomputed", "topics", len(scores))
	return len(scores), nil
}

// DebeDate is the DEBE date a run at t belongs to.
func (s *Service) DebeDate(t time.Time) string {
	return t.In(s.loc).Format(DateLayout)
}

// SelectDebe returns the DEBE of date, selecting and storing it first if
// that has not happened yet.
func (s *Service) SelectDebe(ctx context.Context, date string) ([]persistence.DebePick, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, err
	}
	existing, err := s.store.ListDebe(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		s.logger.Info("debe already selected", "date", date, "entries", len(existing))
		return existing, nil
	}

	now := s.clock().UTC()
	cands, err := s.store.DebeCandidates(ctx, date, now.Add(-s.window), now)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		s.logger.Warn("no debe candidates", "date", date)
		return nil, nil
	}

	type scored struct {
		c     persistence.DebeCandidate
		score float64
	}
	ranked := make([]scored, len(cands))
	for i, c := range cands {
		ranked[i] = scored{c: c, score: EntryScore(c.Upvotes, c.Downvotes)}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.c.Upvotes, a.c.Upvotes); c != 0 {
			return c
		}
		return cmp.Compare(a.c.EntryID, b.c.EntryID)
	})
	if len(ranked) > s.topN {
		ranked = ranked[:s.topN]
	}

	picks := make([]persistence.DebePick, len(ranked))
	authors := make(map[string]string, len(ranked))
	for i, r := range ranked {
		picks[i] = persistence.DebePick{Date: date, EntryID: r.c.EntryID, Rank: i + 1, ScoreAtSelection: r.score}
		authors[r.c.EntryID] = r.c.AgentID
	}
	if err := s.store.SaveDebe(ctx, picks, authors); err != nil {
		return nil, err
	}
	s.logger.Info("debe selected", "date", date, "entries", len(picks))
	return picks, nil
}
