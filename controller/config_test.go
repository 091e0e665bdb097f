package controller_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/anchorage/controller"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	config, err := controller.ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, controller.DefaultConfig(), config)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(controller.EnvFragLower, "1.1")
	t.Setenv(controller.EnvFragUpper, "1.5")
	t.Setenv(controller.EnvTargetOverhead, "0.2")
	t.Setenv(controller.EnvAggressiveness, "0.5")
	t.Setenv(controller.EnvMode, "stress")

	config, err := controller.ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 1.1, config.FragLower)
	require.Equal(t, 1.5, config.FragUpper)
	require.Equal(t, 0.2, config.TargetOverhead)
	require.Equal(t, 0.5, config.Aggressiveness)
	require.Equal(t, controller.ModeStress, config.Mode)
	require.Equal(t, time.Second, config.MaxSleep)
}

func TestConfigFromEnvErrors(t *testing.T) {
	testCases := map[string]struct {
		variable string
		value    string
	}{
		"BadFloat": {
			variable: controller.EnvAggressiveness,
			value:    "lots",
		},
		"BadMode": {
			variable: controller.EnvMode,
			value:    "sometimes",
		},
		"InvertedBounds": {
			variable: controller.EnvFragUpper,
			value:    "1.01",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(testCase.variable, testCase.value)

			_, err := controller.ConfigFromEnv()
			require.Error(t, err)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := map[string]struct {
		config controller.Config
		valid  bool
	}{
		"ZeroValue": {
			config: controller.Config{},
			valid:  true,
		},
		"LowerBelowOne": {
			config: controller.Config{FragLower: 0.5},
			valid:  false,
		},
		"OverheadAboveOne": {
			config: controller.Config{TargetOverhead: 1.5},
			valid:  false,
		},
		"NegativeAggressiveness": {
			config: controller.Config{Aggressiveness: -1},
			valid:  false,
		},
		"UnknownMode": {
			config: controller.Config{Mode: controller.Mode(42)},
			valid:  false,
		},
		"InvertedSleep": {
			config: controller.Config{MinSleep: time.Minute, MaxSleep: time.Second},
			valid:  false,
		},
		"FactorTooSmall": {
			config: controller.Config{MultiplicativeFactor: 0.5},
			valid:  false,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			err := testCase.config.Validate()
			if testCase.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestModeString(t *testing.T) {
	for _, mode := range []controller.Mode{controller.ModeDefrag, controller.ModeStress, controller.ModeDisabled} {
		parsed, err := controller.ParseMode(mode.String())
		require.NoError(t, err)
		require.Equal(t, mode, parsed)
	}
}
