package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	CONFIG_FILE_ENV_VAR          = "MEPCTL_CONFIG_FILE"
	CONFIG_FILE_DEFAULT_LOCATION = "/etc/mepctl/conf.ini"
	MAX_FREQS_LIMIT              = 1000
	MAX_FREQUENCY_MHZ            = 20000
)

var (
	errNoConfigFound        = errors.New("unable to find valid configuration file")
	errInvalidConfigFreq    = errors.New("invalid parameters for frequency")
	errFrequencyOutOfBounds = errors.New("frequency out of bounds")
	errInvalidStep          = errors.New("sweep step must be positive")
	errEmptySweep           = errors.New("sweep end is not above sweep start")
	errTooManyFrequencies   = fmt.Errorf("sweep exceeds %d frequencies", MAX_FREQS_LIMIT)
	errInvalidChannel       = errors.New("channel must be one of A, B, C or D")
	errInvalidSampleRate    = errors.New("unsupported recorder sample rate")
	errTunerNeedsIF         = errors.New("an ADC IF is required when a tuner is selected")
	errInjectionUnresolved  = errors.New("injection side must be high or low")
)

var supportedSampleRatesMHz = []int{1, 2, 4, 8, 10, 16, 20, 32, 64}

type config struct {
	Broker struct {
		Host           string
		Port           int
		ClientID       string `ini:"client_id"`
		KeepAlive      time.Duration
		ConnectTimeout time.Duration
	}
	Topics struct {
		ReceiverCommand string
		ReceiverStatus  string
		RecorderCommand string
		RecorderStatus  string
		TunerCommand    string
		TunerStatus     string
	}
	Session struct {
		Channel     string
		SampleRate  int
		Tuner       string
		AdcIF       string `ini:"adc_if"`
		Injection   string
		CaptureName string
	}
	Sweep struct {
		FreqStart       string
		FreqEnd         string
		Step            string
		Dwell           time.Duration
		RestartInterval time.Duration
		MaxFailures     int
	}
	Timing  timingConfig
	Monitor struct {
		ListenHost string
		ListenPort int
	}
}

// timingConfig bounds every wait the controller performs.
type timingConfig struct {
	Settle           time.Duration
	StatusTimeout    time.Duration
	TelemetryTimeout time.Duration
	RecorderTimeout  time.Duration
	TunerTimeout     time.Duration
	ArmTimeout       time.Duration
	PollInterval     time.Duration
	ReadyTimeout     time.Duration
}

func getConfigFileLocation(cliFlag string) string {
	if cliFlag != "" {
		return cliFlag
	}

	if envFile := os.Getenv(CONFIG_FILE_ENV_VAR); envFile != "" {
		return envFile
	}

	return CONFIG_FILE_DEFAULT_LOCATION
}

func getDefaults() config {
	var cfg config

	cfg.Broker.Host = "192.168.20.1"
	cfg.Broker.Port = 1883
	cfg.Broker.KeepAlive = 60 * time.Second
	cfg.Broker.ConnectTimeout = 5 * time.Second

	cfg.Topics.ReceiverCommand = "rfsoc/command"
	cfg.Topics.ReceiverStatus = "rfsoc/status"
	cfg.Topics.RecorderCommand = "recorder/command"
	cfg.Topics.RecorderStatus = "recorder/status"
	cfg.Topics.TunerCommand = "tuner/command"
	cfg.Topics.TunerStatus = "tuner/status"

	cfg.Session.Channel = "A"
	cfg.Session.SampleRate = 10
	cfg.Session.Injection = ""

	cfg.Sweep.FreqStart = "7000M"
	cfg.Sweep.Step = "10M"
	cfg.Sweep.Dwell = 60 * time.Second
	cfg.Sweep.RestartInterval = 300 * time.Second

	cfg.Timing.Settle = 100 * time.Millisecond
	cfg.Timing.StatusTimeout = time.Second
	cfg.Timing.TelemetryTimeout = 2 * time.Second
	cfg.Timing.RecorderTimeout = 5 * time.Second
	cfg.Timing.TunerTimeout = 3 * time.Second
	cfg.Timing.ArmTimeout = 2500 * time.Millisecond
	cfg.Timing.PollInterval = time.Second
	cfg.Timing.ReadyTimeout = 30 * time.Second

	cfg.Monitor.ListenHost = "localhost"
	cfg.Monitor.ListenPort = 0

	return cfg
}

// getConfig loads the configuration file over the defaults. A missing file
// is only an error when it was asked for explicitly.
func getConfig(cliFlag string) (*config, error) {
	var cfg = getDefaults()

	location := getConfigFileLocation(cliFlag)
	if err := ini.MapToWithMapper(&cfg, ini.TitleUnderscore, location); err != nil {
		if os.IsNotExist(err) {
			if location == CONFIG_FILE_DEFAULT_LOCATION {
				return &cfg, nil
			}
			return nil, fmt.Errorf("%w: %s", errNoConfigFound, location)
		}

		return nil, err
	}

	return &cfg, nil
}

func (c *config) session() (sessionConfig, error) {
	adcIF, err := freqMHz(c.Session.AdcIF)
	if err != nil {
		return sessionConfig{}, err
	}

	return newSessionConfig(
		c.Session.Channel, c.Session.SampleRate, c.Session.Tuner,
		adcIF, c.Session.Injection, c.Session.CaptureName,
	)
}

func (c *config) sweepPlan() (sweepPlan, error) {
	start, err := freqMHz(c.Sweep.FreqStart)
	end, err1 := freqMHz(c.Sweep.FreqEnd)
	step, err2 := freqMHz(c.Sweep.Step)
	if err = errors.Join(err, err1, err2); err != nil {
		return sweepPlan{}, err
	}

	freqs, err := frequencyList(start, end, step)
	if err != nil {
		return sweepPlan{}, err
	}

	return sweepPlan{
		freqs: freqs, dwell: c.Sweep.Dwell,
		restartInterval: c.Sweep.RestartInterval, maxFailures: c.Sweep.MaxFailures,
	}, nil
}

// freqMHz parses a frequency with an optional K, M or G multiplier and an
// optional Hz unit. A bare number is taken as MHz, a bare number with Hz as
// Hz. An empty string yields NaN.
func freqMHz(freqStr string) (float64, error) {
	val := strings.ToUpper(strings.TrimSpace(freqStr))
	if val == "" {
		return math.NaN(), nil
	}

	hz := strings.HasSuffix(val, "HZ")
	val = strings.TrimSpace(strings.TrimSuffix(val, "HZ"))

	scale := 1.0
	switch {
	case strings.HasSuffix(val, "G"):
		scale, val = 1e3, strings.TrimSuffix(val, "G")
	case strings.HasSuffix(val, "M"):
		val = strings.TrimSuffix(val, "M")
	case strings.HasSuffix(val, "K"):
		scale, val = 1e-3, strings.TrimSuffix(val, "K")
	case hz:
		scale = 1e-6
	}

	f64, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalidConfigFreq, freqStr)
	}

	return f64 * scale, nil
}

func mhzToHz(mhz float64) int64 {
	return int64(math.Round(mhz * 1e6))
}

func checkFrequencyMHz(mhz float64) error {
	if math.IsNaN(mhz) || math.IsInf(mhz, 0) || mhz <= 0 || mhz > MAX_FREQUENCY_MHZ {
		return fmt.Errorf("%w: %g MHz", errFrequencyOutOfBounds, mhz)
	}
	return nil
}

// frequencyList builds the sweep frequencies in Hz: start, start+step, ...
// up to but excluding end. A NaN end gives the single start frequency.
func frequencyList(startMHz, endMHz, stepMHz float64) ([]int64, error) {
	if err := checkFrequencyMHz(startMHz); err != nil {
		return nil, err
	}

	start := mhzToHz(startMHz)
	if math.IsNaN(endMHz) {
		return []int64{start}, nil
	}

	if err := checkFrequencyMHz(endMHz); err != nil {
		return nil, err
	}
	if math.IsNaN(stepMHz) || stepMHz <= 0 {
		return nil, fmt.Errorf("%w: %g MHz", errInvalidStep, stepMHz)
	}

	end, step := mhzToHz(endMHz), mhzToHz(stepMHz)
	if step <= 0 {
		return nil, fmt.Errorf("%w: %g MHz", errInvalidStep, stepMHz)
	}
	if end <= start {
		return nil, errEmptySweep
	}
	if (end-start+step-1)/step > MAX_FREQS_LIMIT {
		return nil, errTooManyFrequencies
	}

	freqs := make([]int64, 0, (end-start+step-1)/step)
	for f := start; f < end; f += step {
		freqs = append(freqs, f)
	}

	return freqs, nil
}

type injectionSide int

const (
	injectionUnset injectionSide = iota
	injectionHigh
	injectionLow
)

func (s injectionSide) String() string {
	switch s {
	case injectionHigh:
		return "high"
	case injectionLow:
		return "low"
	}
	return "unset"
}

func parseInjection(s string) (injectionSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return injectionUnset, nil
	case "high", "hi", "h":
		return injectionHigh, nil
	case "low", "lo", "l":
		return injectionLow, nil
	}
	return injectionUnset, fmt.Errorf("%w: %q", errInjectionUnresolved, s)
}

// sessionConfig is the immutable capture session. Changing any field means
// building a new controller.
type sessionConfig struct {
	channel     string
	sampleRate  int // MHz
	tuner       string
	ifMHz       float64
	injection   injectionSide
	captureName string
}

// newSessionConfig validates a capture session before anything touches the
// network. tuner is "", "none", "auto" or a known device name; ifMHz is NaN
// when unset.
func newSessionConfig(
	channel string, sampleRate int, tuner string,
	ifMHz float64, injection, captureName string,
) (sessionConfig, error) {
	s := sessionConfig{
		channel:     strings.ToUpper(strings.TrimSpace(channel)),
		sampleRate:  sampleRate,
		captureName: strings.TrimSpace(captureName),
		ifMHz:       math.NaN(),
	}

	if _, ok := recorderChannels[s.channel]; !ok {
		return sessionConfig{}, fmt.Errorf("%w: %q", errInvalidChannel, channel)
	}

	validRate := false
	for _, r := range supportedSampleRatesMHz {
		validRate = validRate || r == sampleRate
	}
	if !validRate {
		return sessionConfig{}, fmt.Errorf("%w: %d MHz", errInvalidSampleRate, sampleRate)
	}

	side, err := parseInjection(injection)
	if err != nil {
		return sessionConfig{}, err
	}

	switch sel := strings.ToUpper(strings.TrimSpace(tuner)); sel {
	case "", "NONE":
		return s, nil
	case tunerAuto:
		s.tuner = tunerAuto
	default:
		dev, ok := lookupTuner(sel)
		if !ok {
			return sessionConfig{}, fmt.Errorf("%w: %q", errUnknownTuner, tuner)
		}
		s.tuner = dev.name
		if side == injectionUnset {
			side = dev.injection
		}
	}

	if math.IsNaN(ifMHz) || math.IsInf(ifMHz, 0) || ifMHz <= 0 || ifMHz > MAX_FREQUENCY_MHZ {
		return sessionConfig{}, fmt.Errorf("%w (tuner %s)", errTunerNeedsIF, s.tuner)
	}
	if side == injectionUnset {
		return sessionConfig{}, fmt.Errorf("%w (tuner %s)", errInjectionUnresolved, s.tuner)
	}

	s.ifMHz, s.injection = ifMHz, side
	return s, nil
}

func (s sessionConfig) hasTuner() bool {
	return s.tuner != ""
}

// checkFrequency rejects RF targets the session cannot synthesize.
func (s sessionConfig) checkFrequency(rfHz int64) error {
	if err := checkFrequencyMHz(float64(rfHz) / 1e6); err != nil {
		return err
	}
	if s.hasTuner() {
		if lo := localOscillatorHz(rfHz, mhzToHz(s.ifMHz), s.injection); lo <= 0 {
			return fmt.Errorf("%w: LO %d Hz for RF %d Hz", errFrequencyOutOfBounds, lo, rfHz)
		}
	}
	return nil
}

// sweepPlan is one sweep invocation's frequencies in Hz and timing.
type sweepPlan struct {
	freqs           []int64
	dwell           time.Duration
	restartInterval time.Duration // 0 disables forced restarts
	maxFailures     int           // consecutive failed steps before aborting, 0 = never
}
