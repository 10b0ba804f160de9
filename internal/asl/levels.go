package asl

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Level is one profit tier. Thresholds and callback rates are fractions (0.01 = 1%).
type Level struct {
	Level           int     `yaml:"level"`
	ProfitThreshold float64 `yaml:"profit_threshold"`
	CallbackRate    float64 `yaml:"callback_rate"`
}

// Levels is an ascending ladder of tiers.
type Levels []Level

// DefaultLevels: +1% → 2% callback, +2% → 1.5%, +4% → 1%.
var DefaultLevels = Levels{
	{Level: 1, ProfitThreshold: 0.01, CallbackRate: 0.02},
	{Level: 2, ProfitThreshold: 0.02, CallbackRate: 0.015},
	{Level: 3, ProfitThreshold: 0.04, CallbackRate: 0.01},
}

// LevelsFile is the YAML layout of a level override file.
type LevelsFile struct {
	Levels Levels `yaml:"levels"`
}

// LoadLevels reads a level ladder from YAML. An empty path returns DefaultLevels.
func LoadLevels(path string) (Levels, error) {
	if path == "" {
		return DefaultLevels, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file LevelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := file.Levels.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file.Levels, nil
}

// Validate requires strictly rising thresholds with strictly tighter callbacks, and sorts by
// threshold first.
func (l Levels) Validate() error {
	if len(l) == 0 {
		return errors.New("no levels configured")
	}
	sort.Slice(l, func(i, j int) bool { return l[i].ProfitThreshold < l[j].ProfitThreshold })
	for i, lv := range l {
		if lv.ProfitThreshold <= 0 || lv.CallbackRate <= 0 || lv.CallbackRate >= 1 {
			return fmt.Errorf("level %d: threshold and callback must be positive fractions", lv.Level)
		}
		if lv.Level != i+1 {
			return fmt.Errorf("level numbers must run 1..%d in threshold order", len(l))
		}
		if i > 0 && lv.CallbackRate >= l[i-1].CallbackRate {
			return fmt.Errorf("level %d: callback must be tighter than level %d", lv.Level, l[i-1].Level)
		}
	}
	return nil
}

// Target returns the highest tier whose threshold profitPct reaches.
func (l Levels) Target(profitPct float64) (Level, bool) {
	var out Level
	found := false
	for _, lv := range l {
		if profitPct >= lv.ProfitThreshold {
			out, found = lv, true
		}
	}
	return out, found
}
