package main

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequencyListSingle(t *testing.T) {
	freqs, err := frequencyList(7000, math.NaN(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7000000000}, freqs)
}

func TestFrequencyListRange(t *testing.T) {
	freqs, err := frequencyList(7000, 7030, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7000000000, 7010000000, 7020000000}, freqs)

	freqs, err = frequencyList(7000, 7025, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7000000000, 7010000000, 7020000000}, freqs)
}

func TestFrequencyListErrors(t *testing.T) {
	_, err := frequencyList(0, math.NaN(), 10)
	assert.ErrorIs(t, err, errFrequencyOutOfBounds)

	_, err = frequencyList(7000, 25000, 10)
	assert.ErrorIs(t, err, errFrequencyOutOfBounds)

	_, err = frequencyList(7000, 7030, 0)
	assert.ErrorIs(t, err, errInvalidStep)

	_, err = frequencyList(7000, 6000, 10)
	assert.ErrorIs(t, err, errEmptySweep)

	_, err = frequencyList(1, 19000, 1)
	assert.ErrorIs(t, err, errTooManyFrequencies)
}

func TestFreqMHz(t *testing.T) {
	for in, want := range map[string]float64{
		"7000":         7000,
		"7000M":        7000,
		"7G":           7000,
		"1.5GHz":       1500,
		"100k":         0.1,
		"7000000000Hz": 7000,
		" 1090 MHz ":   1090,
	} {
		got, err := freqMHz(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}

	got, err := freqMHz("")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got))

	_, err = freqMHz("seven")
	assert.ErrorIs(t, err, errInvalidConfigFreq)
}

func TestNewSessionConfig(t *testing.T) {
	s, err := newSessionConfig("b", 20, "none", math.NaN(), "", "run1")
	require.NoError(t, err)
	assert.Equal(t, "B", s.channel)
	assert.False(t, s.hasTuner())
	assert.Equal(t, "run1", s.captureName)

	s, err = newSessionConfig("A", 10, "valon", 1090, "", "")
	require.NoError(t, err)
	assert.Equal(t, "VALON", s.tuner)
	assert.Equal(t, injectionLow, s.injection)

	s, err = newSessionConfig("A", 10, "LMX2820", 1090, "low", "")
	require.NoError(t, err)
	assert.Equal(t, injectionLow, s.injection, "explicit side wins over the device default")
}

func TestNewSessionConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		channel string
		rate    int
		tuner   string
		ifMHz   float64
		side    string
		want    error
	}{
		{"bad channel", "E", 10, "", math.NaN(), "", errInvalidChannel},
		{"bad rate", "A", 3, "", math.NaN(), "", errInvalidSampleRate},
		{"unknown tuner", "A", 10, "ADF4351", 1090, "", errUnknownTuner},
		{"tuner without IF", "A", 10, "VALON", math.NaN(), "", errTunerNeedsIF},
		{"auto without side", "A", 10, "auto", 1090, "", errInjectionUnresolved},
		{"bad side", "A", 10, "", math.NaN(), "sideways", errInjectionUnresolved},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newSessionConfig(tc.channel, tc.rate, tc.tuner, tc.ifMHz, tc.side, "")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestGetConfig(t *testing.T) {
	path := writeConfig(t, `
[broker]
host = 10.0.0.5
client_id = bench

[session]
channel = C
sample_rate = 20
tuner = LMX2820
adc_if = 1090M

[sweep]
freq_start = 7G
freq_end = 7030
step = 10
dwell = 5s
max_failures = 3

[timing]
arm_timeout = 1s
`)

	cfg, err := getConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Broker.Host)
	assert.Equal(t, 1883, cfg.Broker.Port, "unset keys keep their defaults")
	assert.Equal(t, "bench", cfg.Broker.ClientID)
	assert.Equal(t, "rfsoc/command", cfg.Topics.ReceiverCommand)
	assert.Equal(t, time.Second, cfg.Timing.ArmTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sweep.Dwell)

	session, err := cfg.session()
	require.NoError(t, err)
	assert.Equal(t, "C", session.channel)
	assert.Equal(t, 20, session.sampleRate)
	assert.Equal(t, 1090.0, session.ifMHz)
	assert.Equal(t, injectionHigh, session.injection)

	plan, err := cfg.sweepPlan()
	require.NoError(t, err)
	assert.Equal(t, []int64{7000e6, 7010e6, 7020e6}, plan.freqs)
	assert.Equal(t, 3, plan.maxFailures)
	assert.Equal(t, 300*time.Second, plan.restartInterval)
}

func TestGetConfigLocation(t *testing.T) {
	t.Setenv(CONFIG_FILE_ENV_VAR, "/from/env.ini")
	assert.Equal(t, "/from/flag.ini", getConfigFileLocation("/from/flag.ini"))
	assert.Equal(t, "/from/env.ini", getConfigFileLocation(""))

	t.Setenv(CONFIG_FILE_ENV_VAR, "")
	assert.Equal(t, CONFIG_FILE_DEFAULT_LOCATION, getConfigFileLocation(""))
}

func TestGetConfigMissingExplicitFile(t *testing.T) {
	_, err := getConfig(filepath.Join(t.TempDir(), "nope.ini"))
	assert.ErrorIs(t, err, errNoConfigFound)
}

func TestSweepPlanBadFrequency(t *testing.T) {
	cfg := getDefaults()
	cfg.Sweep.FreqStart = "lots"
	_, err := cfg.sweepPlan()
	assert.ErrorIs(t, err, errInvalidConfigFreq)
}
