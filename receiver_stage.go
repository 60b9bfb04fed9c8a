package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	stateActive = "active"
)

// measure is a telemetry number. The receiver service sends numbers, numeric
// strings, null or NaN depending on its state; anything unusable reads as NaN.
type measure float64

func (m *measure) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = measure(math.NaN())
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			f = math.NaN()
		}
		*m = measure(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = measure(f)
	return nil
}

func (m measure) MarshalJSON() ([]byte, error) {
	f := float64(m)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// positive reports whether m is a finite number above zero.
func (m measure) positive() bool {
	f := float64(m)
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

// channelSet accepts a list of channel names, a single name, or the
// numeric channel indices some firmware builds report.
type channelSet []string

func (c *channelSet) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*c = nil
	case []interface{}:
		set := make(channelSet, 0, len(v))
		for _, e := range v {
			set = append(set, fmt.Sprint(e))
		}
		*c = set
	default:
		*c = channelSet{fmt.Sprint(v)}
	}
	return nil
}

// telemetry is a receiver status snapshot. It is stale the moment it is read.
type telemetry struct {
	State      string     `json:"state"`
	CenterHz   measure    `json:"f_c_hz"`
	IFHz       measure    `json:"f_if_hz"`
	SampleRate measure    `json:"f_s"`
	PPSCount   measure    `json:"pps_count"`
	Channels   channelSet `json:"channels"`
}

var errNotTelemetry = errors.New("status message carries no receiver state")

// UnmarshalJSON rejects replies on the status topic that are not snapshots,
// such as command acknowledgements, so they never replace real telemetry.
func (t *telemetry) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	_, hasState := fields["state"]
	_, hasCenter := fields["f_c_hz"]
	if !hasState && !hasCenter {
		return errNotTelemetry
	}

	type snapshot telemetry
	var v snapshot
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*t = telemetry(v)
	return nil
}

func (t telemetry) String() string {
	return fmt.Sprintf(
		"RX state: %s f_c (tagged): %.2f MHz f_if (ADC): %.2f MHz f_s: %.2f MHz PPS count: %.0f channel(s): %v",
		t.State, float64(t.CenterHz)/1e6, float64(t.IFHz)/1e6,
		float64(t.SampleRate)/1e6, float64(t.PPSCount), []string(t.Channels),
	)
}

func newReceiverStage(bus publisher, cache *statusCache, cfg *config) *receiverStage {
	return &receiverStage{
		bus:      bus,
		cmdTopic: cfg.Topics.ReceiverCommand,
		status:   register[telemetry](cache, cfg.Topics.ReceiverStatus),
		timing:   cfg.Timing,
	}
}

// receiverStage drives the RFSoC receiver service and owns its telemetry.
type receiverStage struct {
	bus      publisher
	cmdTopic string
	status   *slot[telemetry]
	timing   timingConfig
}

func (r *receiverStage) send(task string, args interface{}) error {
	err := r.bus.publish(r.cmdTopic, command{TaskName: task, Arguments: args})
	if err != nil {
		log.Printf("[WARN] receiver: %s not sent: %s", task, err)
	}
	return err
}

func (r *receiverStage) reset() error {
	return r.send("reset", nil)
}

func (r *receiverStage) setIF(freqMHz float64) error {
	return r.send("set", fmt.Sprintf("freq_IF %s", strconv.FormatFloat(freqMHz, 'f', -1, 64)))
}

// setMetadataFreq tags the capture with the true RF, however it was reached.
func (r *receiverStage) setMetadataFreq(rfHz int64) error {
	return r.send("set", fmt.Sprintf("freq_metadata %d", rfHz))
}

func (r *receiverStage) setChannel(channel string) error {
	return r.send("set", fmt.Sprintf("channel %s", channel))
}

// captureNextPPS triggers a capture on the next timing edge and follows the
// receiver's status for up to window, stopping early once it reports active.
// The result is informational; requestTelemetry is the verdict.
func (r *receiverStage) captureNextPPS(window time.Duration) (telemetry, bool) {
	deadline := time.Now().Add(window)
	tlm, ok := r.status.request(window, func() error {
		return r.send("capture_next_pps", nil)
	})

	for ok && tlm.State != stateActive {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		next, more := r.status.next(remaining)
		if !more {
			break
		}
		tlm = next
	}

	return tlm, ok
}

func (r *receiverStage) requestTelemetry(timeout time.Duration) (telemetry, bool) {
	return r.status.request(timeout, func() error {
		return r.send("get", []string{"tlm"})
	})
}

// waitForReady polls telemetry until the receiver reports a usable sample
// rate; an uninitialised overlay reports NaN.
func (r *receiverStage) waitForReady(maxWait time.Duration) bool {
	log.Printf("[INFO] waiting up to %s for receiver firmware to initialise", maxWait)
	deadline := time.Now().Add(maxWait)

	for {
		timeout := r.timing.TelemetryTimeout
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}

		if timeout > 0 {
			if tlm, ok := r.requestTelemetry(timeout); ok {
				if tlm.SampleRate.positive() {
					log.Printf("[INFO] receiver firmware ready: f_s=%.2f MHz", float64(tlm.SampleRate)/1e6)
					return true
				}
				log.Printf("[DEBUG] receiver not ready yet (f_s=%v)", float64(tlm.SampleRate))
			}
		}

		if time.Until(deadline) <= r.timing.PollInterval {
			break
		}
		time.Sleep(r.timing.PollInterval)
	}

	log.Printf("[ERROR] receiver firmware not ready after %s, check the RFSoC logs", maxWait)
	return false
}

func (r *receiverStage) cached() (telemetry, bool) {
	return r.status.snapshot()
}
