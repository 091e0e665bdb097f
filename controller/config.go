package controller

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// Mode selects how the controller drives compaction
type Mode int

const (
	// ModeDefrag compacts when fragmentation crosses the configured thresholds
	ModeDefrag Mode = iota + 1
	// ModeStress compacts the whole heap on every iteration, regardless of fragmentation
	ModeStress
	// ModeDisabled never starts the controller goroutine
	ModeDisabled
)

var modeMapping = map[Mode]string{
	ModeDefrag:   "defrag",
	ModeStress:   "stress",
	ModeDisabled: "disabled",
}

func (m Mode) String() string {
	return modeMapping[m]
}

// ParseMode returns the Mode with the provided name
func ParseMode(name string) (Mode, error) {
	for mode, modeName := range modeMapping {
		if modeName == name {
			return mode, nil
		}
	}

	return 0, errors.Newf("unknown controller mode %q", name)
}

const (
	EnvFragLower      = "ANCH_FRAG_LB"
	EnvFragUpper      = "ANCH_FRAG_UB"
	EnvTargetOverhead = "ANCH_TARG_OVERHEAD"
	EnvAggressiveness = "ANCH_AGGRESSIVENESS"
	EnvMode           = "ANCH_MODE"
)

// Config holds the controller's tuning. Zero fields take the values from DefaultConfig.
type Config struct {
	// FragLower is the fragmentation below which a compaction run stops early
	FragLower float64
	// FragUpper is the fragmentation above which a compaction run starts
	FragUpper float64
	// TargetOverhead is the largest fraction of wall time the controller may spend compacting
	TargetOverhead float64
	// Aggressiveness is the fraction of live bytes a single compaction run may relocate
	Aggressiveness float64
	Mode           Mode

	MinSleep             time.Duration
	MaxSleep             time.Duration
	AdditiveStep         time.Duration
	MultiplicativeFactor float64

	// MaxPassBytes caps the bytes relocated by one barrier round. Zero leaves passes bounded only by
	// the run's remaining budget.
	MaxPassBytes int
}

// DefaultConfig returns the controller tuning used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		FragLower:            1.05,
		FragUpper:            1.25,
		TargetOverhead:       0.05,
		Aggressiveness:       0.1,
		Mode:                 ModeDefrag,
		MinSleep:             time.Millisecond,
		MaxSleep:             time.Second,
		AdditiveStep:         10 * time.Millisecond,
		MultiplicativeFactor: 2,
	}
}

// ConfigFromEnv returns DefaultConfig with the ANCH_* environment variables applied
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()

	floats := []struct {
		name   string
		target *float64
	}{
		{EnvFragLower, &config.FragLower},
		{EnvFragUpper, &config.FragUpper},
		{EnvTargetOverhead, &config.TargetOverhead},
		{EnvAggressiveness, &config.Aggressiveness},
	}

	for _, variable := range floats {
		value, ok := os.LookupEnv(variable.name)
		if !ok {
			continue
		}

		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return config, errors.Wrapf(err, "could not parse %s", variable.name)
		}
		*variable.target = parsed
	}

	if value, ok := os.LookupEnv(EnvMode); ok {
		mode, err := ParseMode(value)
		if err != nil {
			return config, errors.Wrapf(err, "could not parse %s", EnvMode)
		}
		config.Mode = mode
	}

	return config, config.Validate()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.FragLower == 0 {
		c.FragLower = defaults.FragLower
	}
	if c.FragUpper == 0 {
		c.FragUpper = defaults.FragUpper
	}
	if c.TargetOverhead == 0 {
		c.TargetOverhead = defaults.TargetOverhead
	}
	if c.Aggressiveness == 0 {
		c.Aggressiveness = defaults.Aggressiveness
	}
	if c.Mode == 0 {
		c.Mode = defaults.Mode
	}
	if c.MinSleep == 0 {
		c.MinSleep = defaults.MinSleep
	}
	if c.MaxSleep == 0 {
		c.MaxSleep = defaults.MaxSleep
	}
	if c.AdditiveStep == 0 {
		c.AdditiveStep = defaults.AdditiveStep
	}
	if c.MultiplicativeFactor == 0 {
		c.MultiplicativeFactor = defaults.MultiplicativeFactor
	}

	return c
}

func (c Config) Validate() error {
	c = c.withDefaults()

	if c.FragLower < 1 {
		return errors.Newf("fragmentation lower bound %g must be at least 1", c.FragLower)
	}
	if c.FragUpper < c.FragLower {
		return errors.Newf("fragmentation upper bound %g is below the lower bound %g", c.FragUpper, c.FragLower)
	}
	if c.TargetOverhead <= 0 || c.TargetOverhead > 1 {
		return errors.Newf("target overhead %g must be in (0, 1]", c.TargetOverhead)
	}
	if c.Aggressiveness <= 0 {
		return errors.Newf("aggressiveness %g must be positive", c.Aggressiveness)
	}
	if _, ok := modeMapping[c.Mode]; !ok {
		return errors.Newf("unknown controller mode %d", int(c.Mode))
	}
	if c.MinSleep < 0 || c.MaxSleep < c.MinSleep {
		return errors.Newf("sleep range [%s, %s] is invalid", c.MinSleep, c.MaxSleep)
	}
	if c.MultiplicativeFactor <= 1 {
		return errors.Newf("multiplicative factor %g must be greater than 1", c.MultiplicativeFactor)
	}
	if c.MaxPassBytes < 0 {
		return errors.Newf("max pass bytes %d must not be negative", c.MaxPassBytes)
	}

	return nil
}
