package services

import (
	"time"

	"claim-engine/config"
	"claim-engine/models"
)

// Policy holds the per-difficulty lease and scoring tables.
type Policy struct {
	Timeouts          map[models.Difficulty]time.Duration
	Points            map[models.Difficulty]int
	DefaultDifficulty models.Difficulty
	ExtensionMax      time.Duration
	ReminderWindow    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Timeouts: map[models.Difficulty]time.Duration{
			models.DifficultyEasy:   7 * 24 * time.Hour,
			models.DifficultyMedium: 14 * 24 * time.Hour,
			models.DifficultyHard:   21 * 24 * time.Hour,
		},
		Points: map[models.Difficulty]int{
			models.DifficultyEasy:   100,
			models.DifficultyMedium: 200,
			models.DifficultyHard:   300,
		},
		DefaultDifficulty: models.DifficultyEasy,
		ExtensionMax:      7 * 24 * time.Hour,
		ReminderWindow:    24 * time.Hour,
	}
}

// PolicyFromConfig builds a Policy from validated configuration.
func PolicyFromConfig(c config.ClaimsConfig, sc config.ScoringConfig) Policy {
	def, ok := models.ParseDifficulty(c.DefaultDifficulty)
	if !ok {
		def = models.DifficultyEasy
	}
	return Policy{
		Timeouts: map[models.Difficulty]time.Duration{
			models.DifficultyEasy:   c.TimeoutEasy,
			models.DifficultyMedium: c.TimeoutMedium,
			models.DifficultyHard:   c.TimeoutHard,
		},
		Points: map[models.Difficulty]int{
			models.DifficultyEasy:   sc.PointsEasy,
			models.DifficultyMedium: sc.PointsMedium,
			models.DifficultyHard:   sc.PointsHard,
		},
		DefaultDifficulty: def,
		ExtensionMax:      c.ExtensionMax,
		ReminderWindow:    c.ReminderWindow,
	}
}

// Resolve maps a raw tier label to a configured tier, falling back to the default.
func (p Policy) Resolve(raw string) models.Difficulty {
	if d, ok := models.ParseDifficulty(raw); ok {
		if t, ok := p.Timeouts[d]; ok && t > 0 {
			return d
		}
	}
	return p.DefaultDifficulty
}

func (p Policy) Timeout(d models.Difficulty) time.Duration {
	return p.Timeouts[p.Resolve(string(d))]
}

func (p Policy) Score(d models.Difficulty) int {
	return p.Points[p.Resolve(string(d))]
}
