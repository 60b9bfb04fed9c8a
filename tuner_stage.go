package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
)

const tunerAuto = "AUTO"

var errUnknownTuner = errors.New("unknown tuner")

// tunerDevice describes a synthesizer the tuner service can drive.
type tunerDevice struct {
	name        string
	injection   injectionSide // default when the session does not choose
	reportsLock bool
}

func (d tunerDevice) known() bool {
	return d.name != tunerAuto
}

var knownTuners = []tunerDevice{
	{name: "LMX2820", injection: injectionHigh, reportsLock: true},
	{name: "VALON", injection: injectionLow, reportsLock: true},
	{name: "TEST", injection: injectionHigh, reportsLock: false},
}

// unknownTuner stands in for an auto-selected device the service never
// named. It supports nothing optional.
var unknownTuner = tunerDevice{name: tunerAuto}

func lookupTuner(name string) (tunerDevice, bool) {
	for _, d := range knownTuners {
		if strings.EqualFold(d.name, strings.TrimSpace(name)) {
			return d, true
		}
	}
	return unknownTuner, false
}

// matchTuner finds the first known device whose identifier appears in s, so
// "Valon 5015 (/dev/ttyUSB0)" resolves to VALON.
func matchTuner(s string) (tunerDevice, bool) {
	s = strings.ToUpper(s)
	for _, d := range knownTuners {
		if strings.Contains(s, d.name) {
			return d, true
		}
	}
	return unknownTuner, false
}

// resolveTuner picks the device name out of a tuner status message. The
// service reports it as tuner.name, name, or the value of an init_tuner
// response.
func resolveTuner(status map[string]interface{}) tunerDevice {
	var candidates []interface{}
	if sub, ok := status["tuner"].(map[string]interface{}); ok {
		candidates = append(candidates, sub["name"])
	}
	candidates = append(candidates, status["name"], status["tuner"], status["value"])

	for _, c := range candidates {
		s, ok := c.(string)
		if !ok {
			continue
		}
		if d, ok := matchTuner(s); ok {
			return d
		}
	}

	return unknownTuner
}

// localOscillatorHz places the LO above (high side) or below (low side) the
// RF by the IF.
func localOscillatorHz(rfHz, ifHz int64, side injectionSide) int64 {
	if side == injectionHigh {
		return rfHz + ifHz
	}
	return rfHz - ifHz
}

// conjugateFor reports whether the recorder must conjugate the spectrum;
// high side injection mirrors it.
func conjugateFor(side injectionSide) bool {
	return side == injectionHigh
}

func newTunerStage(bus publisher, cache *statusCache, cfg *config, session sessionConfig) *tunerStage {
	t := &tunerStage{
		bus:       bus,
		cmdTopic:  cfg.Topics.TunerCommand,
		status:    register[map[string]interface{}](cache, cfg.Topics.TunerStatus),
		selection: session.tuner,
		timing:    cfg.Timing,
	}
	if d, ok := lookupTuner(session.tuner); ok {
		t.device = d
	} else {
		t.device = unknownTuner
	}
	return t
}

// tunerStage drives the synthesizer service.
type tunerStage struct {
	bus       publisher
	cmdTopic  string
	status    *slot[map[string]interface{}]
	selection string
	device    tunerDevice
	timing    timingConfig
}

func (t *tunerStage) send(task string, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	err := t.bus.publish(t.cmdTopic, command{TaskName: task, Arguments: args})
	if err != nil {
		log.Printf("[WARN] tuner: %s not sent: %s", task, err)
	}
	return err
}

// initialise (re)initialises the synthesizer. With auto selection the
// service picks the device and the reply names it; an unanswered or
// unrecognised reply leaves the unknown device.
func (t *tunerStage) initialise() tunerDevice {
	if t.selection != tunerAuto {
		t.send("init_tuner", map[string]interface{}{"force_tuner": t.selection})
		return t.device
	}

	status, ok := t.status.request(t.timing.TunerTimeout, func() error {
		return t.send("init_tuner", nil)
	})
	if !ok {
		log.Printf("[WARN] tuner: auto selection unresolved, continuing as %s", unknownTuner.name)
		t.device = unknownTuner
		return t.device
	}

	t.device = resolveTuner(status)
	if t.device.known() {
		log.Printf("[INFO] tuner: auto selection resolved to %s", t.device.name)
	} else {
		log.Printf("[WARN] tuner: auto selection reply names no known device, continuing as %s", t.device.name)
	}
	return t.device
}

func (t *tunerStage) setFreq(loHz int64) error {
	return t.send("set_freq", map[string]interface{}{"freq_mhz": float64(loHz) / 1e6})
}

// checkLock asks lock-capable devices for their lock state. It only logs:
// capture never waits on lock.
func (t *tunerStage) checkLock() {
	if !t.device.reportsLock {
		return
	}

	status, ok := t.status.request(t.timing.TunerTimeout, func() error {
		return t.send("get_lock_status", nil)
	})
	if !ok {
		return
	}

	if v, ok := status["value"]; ok {
		log.Printf("[INFO] tuner: %s lock status %v", t.device.name, v)
	} else {
		log.Printf("[INFO] tuner: %s lock status %s", t.device.name, describeStatus(status))
	}
}

// describeStatus renders an opaque service status for the log.
func describeStatus(status map[string]interface{}) string {
	if s, ok := status["state"]; ok {
		return fmt.Sprintf("state=%v", s)
	}
	return fmt.Sprintf("%v", status)
}
