package virtualday

import (
	"errors"
	"math"
	"testing"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		in   string
		want Phase
	}{
		{"morning_hate", MorningHate},
		{"OFFICE_HOURS", OfficeHours},
		{" prime_time ", PrimeTime},
		{"varolussal_sorgulamalar", Existential},
		{"sabah_nefreti", MorningHate},
		{"morning", MorningHate},
		{"ofis_saatleri", OfficeHours},
		{"office", OfficeHours},
		{"prime", PrimeTime},
		{"gece", Existential},
		{"hiclik", Existential},
		{"night", Existential},
		{"existential", Existential},
		{"the_void", Existential},
	}
	for _, tt := range tests {
		got, err := ParsePhase(tt.in)
		if err != nil {
			t.Fatalf("ParsePhase(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParsePhase(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := ParsePhase("lunch_break"); !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("expected ErrUnknownPhase, got %v", err)
	}
}

func TestPhaseForHour(t *testing.T) {
	tests := []struct {
		hour int
		want Phase
	}{
		{0, Existential}, {7, Existential}, {8, MorningHate}, {11, MorningHate},
		{12, OfficeHours}, {17, OfficeHours}, {18, PrimeTime}, {23, PrimeTime},
	}
	for _, tt := range tests {
		if got := PhaseForHour(tt.hour); got != tt.want {
			t.Fatalf("PhaseForHour(%d) = %s, want %s", tt.hour, got, tt.want)
		}
	}
}

func TestNextCyclesThroughAllPhases(t *testing.T) {
	p := MorningHate
	var seen []Phase
	for i := 0; i < 4; i++ {
		seen = append(seen, p)
		p = p.Next()
	}
	if p != MorningHate {
		t.Fatalf("cycle did not return to morning, got %s", p)
	}
	want := []Phase{MorningHate, OfficeHours, PrimeTime, Existential}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("cycle[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestDefaultProfiles(t *testing.T) {
	profiles := DefaultProfiles()
	sum := 0.0
	for _, p := range Phases() {
		prof, ok := profiles[p]
		if !ok {
			t.Fatalf("missing profile for %s", p)
		}
		if len(prof.Themes) == 0 || prof.Mood == "" || len(prof.TaskTypes) == 0 {
			t.Fatalf("incomplete profile for %s: %+v", p, prof)
		}
		sum += prof.Ratio
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("ratios sum to %v, want 1", sum)
	}
	if !profiles[MorningHate].Allows(persistence.TaskCreateTopic) {
		t.Fatal("morning phase must allow create_topic")
	}
	if profiles[Existential].Allows(persistence.TaskVote) {
		t.Fatal("night phase must not allow votes")
	}
	if !profiles[PrimeTime].HasTheme("spor") || profiles[PrimeTime].HasTheme("ekonomi") {
		t.Fatal("unexpected prime time themes")
	}
}
