package main

import (
	"fmt"
	"log"
	"strings"
)

const (
	recorderKeyFreqIdxOffset = "packet.freq_idx_offset"
	recorderKeyChannelDir    = "drf_sink.channel_dir"
	recorderKeyDstPort       = "basic_network.dst_port"
	recorderKeyCaptureName   = "drf_sink.capture_name"
	recorderKeyConjugate     = "packet.conjugate"
)

// recorderChannel is the fixed per-channel recorder wiring.
type recorderChannel struct {
	dstPort       int
	freqIdxOffset int
}

var recorderChannels = map[string]recorderChannel{
	"A": {dstPort: 60134, freqIdxOffset: 0},
	"B": {dstPort: 60133, freqIdxOffset: 1},
	"C": {dstPort: 60132, freqIdxOffset: 2},
	"D": {dstPort: 60131, freqIdxOffset: 3},
}

func recorderConfigName(sampleRateMHz int) string {
	return fmt.Sprintf("sr%dMHz", sampleRateMHz)
}

// recorderSession is what the recorder was last configured with. Only the
// worker goroutine touches it.
type recorderSession struct {
	channel    string
	sampleRate int
	running    bool
}

func newRecorderStage(bus publisher, cache *statusCache, cfg *config, session sessionConfig) *recorderStage {
	return &recorderStage{
		bus:         bus,
		cmdTopic:    cfg.Topics.RecorderCommand,
		status:      register[map[string]interface{}](cache, cfg.Topics.RecorderStatus),
		captureName: session.captureName,
		timing:      cfg.Timing,
	}
}

// recorderStage keeps the stream recorder configured without restarting it
// when nothing changed.
type recorderStage struct {
	bus         publisher
	cmdTopic    string
	status      *slot[map[string]interface{}]
	captureName string
	timing      timingConfig
	session     recorderSession
	// disabled is set once a disable went out and nothing re-enabled since.
	disabled bool
}

func (r *recorderStage) send(task string, args interface{}) error {
	err := r.bus.publish(r.cmdTopic, command{TaskName: task, Arguments: args})
	if err != nil {
		log.Printf("[WARN] recorder: %s not sent: %s", task, err)
	}
	return err
}

// setOption publishes a single config.set.
func (r *recorderStage) setOption(key string, value interface{}) error {
	return r.send("config.set", map[string]interface{}{"key": key, "value": value})
}

func (r *recorderStage) loadConfig(sampleRateMHz int) error {
	return r.send("config.load", map[string]interface{}{"name": recorderConfigName(sampleRateMHz)})
}

// differs reports whether the recorder is not set up for channel and rate.
func (r *recorderStage) differs(channel string, sampleRateMHz int) bool {
	return r.session.channel != channel || r.session.sampleRate != sampleRateMHz
}

// ensure brings the recorder up on channel at sampleRateMHz. When it is
// already running that way nothing is sent.
func (r *recorderStage) ensure(channel string, sampleRateMHz int) {
	if r.session.running && !r.differs(channel, sampleRateMHz) {
		log.Printf("[DEBUG] recorder: already running %s on channel %s", recorderConfigName(sampleRateMHz), channel)
		return
	}

	wiring := recorderChannels[channel]
	log.Printf("[INFO] recorder: configuring %s on channel %s", recorderConfigName(sampleRateMHz), channel)

	if !r.disabled {
		r.send("disable", nil)
	}
	r.session.running = false
	r.loadConfig(sampleRateMHz)
	r.setOption(recorderKeyFreqIdxOffset, wiring.freqIdxOffset)
	r.setOption(recorderKeyChannelDir, "ch_"+strings.ToLower(channel))
	r.setOption(recorderKeyDstPort, fmt.Sprintf("%d", wiring.dstPort))
	if r.captureName != "" {
		r.setOption(recorderKeyCaptureName, r.captureName)
	}

	status, ok := r.status.request(r.timing.RecorderTimeout, func() error {
		err := r.send("enable", nil)
		// running follows the enable, status is only confirmation
		r.session = recorderSession{channel: channel, sampleRate: sampleRateMHz, running: err == nil}
		if err == nil {
			r.disabled = false
		}
		return err
	})
	if ok {
		log.Printf("[INFO] recorder: enabled, %s", describeStatus(status))
	} else {
		log.Printf("[WARN] recorder: no response to enable, continuing")
	}
}

// stop disables the recorder without waiting for confirmation.
func (r *recorderStage) stop() {
	log.Printf("[INFO] recorder: disabling")
	if r.send("disable", nil) == nil {
		r.disabled = true
	}
	r.session.running = false
}

// restart forces a full disable/configure/enable cycle with a single disable.
func (r *recorderStage) restart(channel string, sampleRateMHz int) {
	log.Printf("[INFO] recorder: forced restart")
	r.stop()
	r.ensure(channel, sampleRateMHz)
}

func (r *recorderStage) setConjugate(on bool) error {
	return r.setOption(recorderKeyConjugate, on)
}
