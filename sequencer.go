package main

import (
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	errCaptureRejected  = errors.New("capture rejected")
	errTelemetryTimeout = errors.New("no telemetry after capture trigger")
)

// tuneAndArm runs one frequency step: reset, tune, tag, trigger on the next
// PPS edge and verify the receiver went active. Commands go out in a fixed
// order and the step ends only once the verification wait resolves. Failures
// are returned, never retried.
func (c *controllerState) tuneAndArm(rfHz int64) error {
	if err := c.session.checkFrequency(rfHz); err != nil {
		return err
	}

	log.Printf("[INFO] tuning to %.3f MHz on channel %s", float64(rfHz)/1e6, c.session.channel)
	c.receiver.reset()

	if c.session.hasTuner() {
		c.tuneWithSynthesizer(rfHz)
	} else {
		c.receiver.setIF(float64(rfHz) / 1e6)
		c.settle()
	}

	c.receiver.setMetadataFreq(rfHz)
	c.receiver.setChannel(c.session.channel)

	if tlm, ok := c.receiver.captureNextPPS(c.cfg.Timing.ArmTimeout); ok {
		log.Printf("[DEBUG] after capture trigger: %s", tlm)
	}

	tlm, ok := c.receiver.requestTelemetry(c.cfg.Timing.TelemetryTimeout)
	if !ok {
		log.Printf("[ERROR] capture at %.3f MHz not confirmed: no telemetry", float64(rfHz)/1e6)
		return fmt.Errorf("%w at %d Hz", errTelemetryTimeout, rfHz)
	}
	if tlm.State != stateActive {
		log.Printf("[ERROR] capture at %.3f MHz rejected: receiver is %q", float64(rfHz)/1e6, tlm.State)
		return fmt.Errorf("%w at %d Hz: receiver state %q", errCaptureRejected, rfHz, tlm.State)
	}

	log.Printf("[INFO] armed at %.3f MHz: %s", float64(rfHz)/1e6, tlm)
	return nil
}

// tuneWithSynthesizer parks the ADC on the fixed IF and moves the LO instead.
func (c *controllerState) tuneWithSynthesizer(rfHz int64) {
	c.receiver.setIF(c.session.ifMHz)
	c.settle()

	dev := c.tuner.initialise()
	c.settle()

	side := c.session.injection
	lo := localOscillatorHz(rfHz, mhzToHz(c.session.ifMHz), side)
	log.Printf("[INFO] tuner %s: LO %.3f MHz (%s side, IF %g MHz)", dev.name, float64(lo)/1e6, side, c.session.ifMHz)

	c.recorder.setConjugate(conjugateFor(side))
	c.tuner.setFreq(lo)
	c.settle()

	c.tuner.checkLock()
}

func (c *controllerState) settle() {
	time.Sleep(c.cfg.Timing.Settle)
}
