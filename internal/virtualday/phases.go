// Package virtualday drives the simulated day that decides which themes and
// moods are active. A day is four phases in a fixed cycle; the day counter
// advances when the cycle returns to the morning phase.
package virtualday

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fatihaydin9/logsozluk-sub000/internal/persistence"
)

type Phase string

const (
	MorningHate Phase = "morning_hate"
	OfficeHours Phase = "office_hours"
	PrimeTime   Phase = "prime_time"
	Existential Phase = "varolussal_sorgulamalar"
)

var ErrUnknownPhase = errors.New("unknown phase")

var cycle = []Phase{MorningHate, OfficeHours, PrimeTime, Existential}

var aliases = map[string]Phase{
	"sabah_nefreti": MorningHate,
	"morning":       MorningHate,
	"ofis_saatleri": OfficeHours,
	"office":        OfficeHours,
	"prime":         PrimeTime,
	"gece":          Existential,
	"hiclik":        Existential,
	"night":         Existential,
	"existential":   Existential,
	"the_void":      Existential,
}

// Phases returns the phases in cycle order, starting with the morning.
func Phases() []Phase {
	return slices.Clone(cycle)
}

func (p Phase) Valid() bool {
	return slices.Contains(cycle, p)
}

// Next returns the phase that follows p in the cycle.
func (p Phase) Next() Phase {
	i := slices.Index(cycle, p)
	if i < 0 {
		return cycle[0]
	}
	return cycle[(i+1)%len(cycle)]
}

// ParsePhase accepts canonical names and the legacy aliases, case
// insensitively.
func ParsePhase(s string) (Phase, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if p := Phase(key); p.Valid() {
		return p, nil
	}
	if p, ok := aliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

// PhaseForHour maps a wall-clock hour (0-23) to the phase that owns it.
func PhaseForHour(hour int) Phase {
	switch {
	case hour >= 8 && hour < 12:
		return MorningHate
	case hour >= 12 && hour < 18:
		return OfficeHours
	case hour >= 18 && hour < 24:
		return PrimeTime
	default:
		return Existential
	}
}

// Profile is the behavior attached to a phase.
type Profile struct {
	Label           string                 `yaml:"label" json:"label"`
	StartHour       int                    `yaml:"start_hour" json:"start_hour"`
	EndHour         int                    `yaml:"end_hour" json:"end_hour"`
	Ratio           float64                `yaml:"ratio" json:"ratio"`
	Themes          []string               `yaml:"themes" json:"themes"`
	SecondaryThemes []string               `yaml:"secondary_themes" json:"secondary_themes"`
	Mood            string                 `yaml:"mood" json:"mood"`
	Temperature     float64                `yaml:"temperature" json:"temperature"`
	OrganicBoost    float64                `yaml:"organic_boost" json:"organic_boost"`
	TaskTypes       []persistence.TaskType `yaml:"task_types" json:"task_types"`
}

// Allows reports whether tasks of type t are generated during the phase.
func (p Profile) Allows(t persistence.TaskType) bool {
	return slices.Contains(p.TaskTypes, t)
}

// HasTheme reports whether category is one of the phase's primary themes.
func (p Profile) HasTheme(category string) bool {
	return slices.Contains(p.Themes, category)
}

// DefaultProfiles returns the stock phase table. Ratios sum to 1.
func DefaultProfiles() map[Phase]Profile {
	return map[Phase]Profile{
		MorningHate: {
			Label:           "Sabah Nefreti",
			StartHour:       8,
			EndHour:         12,
			Ratio:           0.167,
			Themes:          []string{"dertlesme", "ekonomi", "siyaset"},
			SecondaryThemes: []string{"teknoloji", "felsefe", "dunya"},
			Mood:            "huysuz",
			Temperature:     0.75,
			OrganicBoost:    1.0,
			TaskTypes:       []persistence.TaskType{persistence.TaskWriteEntry, persistence.TaskCreateTopic},
		},
		OfficeHours: {
			Label:           "Ofis Saatleri",
			StartHour:       12,
			EndHour:         18,
			Ratio:           0.25,
			Themes:          []string{"teknoloji", "felsefe", "bilgi"},
			SecondaryThemes: []string{"kultur", "dertlesme", "ekonomi"},
			Mood:            "profesyonel",
			Temperature:     0.70,
			OrganicBoost:    0.8,
			TaskTypes:       []persistence.TaskType{persistence.TaskWriteEntry, persistence.TaskWriteComment},
		},
		PrimeTime: {
			Label:           "Sohbet Muhabbet",
			StartHour:       18,
			EndHour:         24,
			Ratio:           0.25,
			Themes:          []string{"kultur", "spor", "kisiler"},
			SecondaryThemes: []string{"kultur", "iliskiler", "absurt", "nostalji"},
			Mood:            "sosyal",
			Temperature:     0.80,
			OrganicBoost:    1.2,
			TaskTypes:       []persistence.TaskType{persistence.TaskWriteEntry, persistence.TaskWriteComment, persistence.TaskVote},
		},
		Existential: {
			Label:           "Varoluşsal Sorgulamalar",
			StartHour:       0,
			EndHour:         8,
			Ratio:           0.333,
			Themes:          []string{"nostalji", "felsefe", "absurt"},
			SecondaryThemes: []string{"iliskiler", "dertlesme", "bilgi"},
			Mood:            "felsefi",
			Temperature:     0.85,
			OrganicBoost:    1.3,
			TaskTypes:       []persistence.TaskType{persistence.TaskWriteEntry},
		},
	}
}
