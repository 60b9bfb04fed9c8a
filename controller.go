package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

var errTooManyFailures = errors.New("too many consecutive capture failures")

// stopToken is one invocation's cancellation flag. A fresh token is made for
// every sweep or single capture so an old stop request cannot leak into a
// new run.
type stopToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *stopToken) stopped() bool {
	return t.ctx.Err() != nil
}

func (t *stopToken) done() <-chan struct{} {
	return t.ctx.Done()
}

// statusEvent is one accepted status message, as handed to listeners.
type statusEvent struct {
	Topic   string      `json:"topic"`
	Time    time.Time   `json:"time"`
	Message interface{} `json:"message"`
}

// sweepReport summarises a finished sweep.
type sweepReport struct {
	Steps   int
	Failed  int
	Stopped bool
}

type controllerState struct {
	cfg     *config
	session sessionConfig
	ctx     context.Context
	cancel  context.CancelFunc

	cache    *statusCache
	receiver *receiverStage
	recorder *recorderStage
	tuner    *tunerStage

	busMu sync.RWMutex
	bus   transport

	tokenMu sync.Mutex
	token   *stopToken

	listenMu  sync.RWMutex
	listeners []func(statusEvent)
	lastState map[string]string
}

// newCaptureController connects to the broker and returns a controller bound
// to session. Only a failed connect is an error.
func newCaptureController(
	ctx context.Context, cfg *config, session sessionConfig, dial dialFunc,
) (*controllerState, error) {
	stageCtx, cancel := context.WithCancel(ctx)
	c := &controllerState{
		cfg: cfg, session: session,
		ctx: stageCtx, cancel: cancel,
		cache:     newStatusCache(),
		lastState: make(map[string]string),
	}

	c.receiver = newReceiverStage(c, c.cache, cfg)
	c.recorder = newRecorderStage(c, c.cache, cfg, session)
	c.tuner = newTunerStage(c, c.cache, cfg, session)
	c.watchStatus()

	bus, err := dial(c.cache.topics(), c.cache.onMessage)
	if err != nil {
		cancel()
		return nil, err
	}

	c.busMu.Lock()
	c.bus = bus
	c.busMu.Unlock()
	return c, nil
}

// publish is the stages' route onto the bus. After disconnect it fails
// without touching the network.
func (c *controllerState) publish(topic string, cmd command) error {
	c.busMu.RLock()
	defer c.busMu.RUnlock()

	if c.bus == nil {
		return errTransportUnavailable
	}
	return c.bus.publish(topic, cmd)
}

func (c *controllerState) watchStatus() {
	c.receiver.status.onUpdate(func(t telemetry) {
		key := fmt.Sprintf("%s %.2f", t.State, float64(t.CenterHz)/1e6)
		if c.stateChanged(c.receiver.status.topic, key) {
			log.Printf("[INFO] RFSoC: %s f_c=%.2f MHz pps=%.0f", t.State, float64(t.CenterHz)/1e6, float64(t.PPSCount))
		}
		c.emit(c.receiver.status.topic, t)
	})

	c.recorder.status.onUpdate(func(m map[string]interface{}) {
		if c.stateChanged(c.recorder.status.topic, stateOf(m)) {
			log.Printf("[INFO] Recorder: %s", stateOf(m))
		}
		c.emit(c.recorder.status.topic, m)
	})

	c.tuner.status.onUpdate(func(m map[string]interface{}) {
		// task replies carry a value, not the tuner's state
		_, isReply := m["task_name"]
		if _, hasState := m["state"]; isReply && !hasState {
			c.emit(c.tuner.status.topic, m)
			return
		}
		if c.stateChanged(c.tuner.status.topic, stateOf(m)) {
			log.Printf("[INFO] Tuner: %s", stateOf(m))
		}
		c.emit(c.tuner.status.topic, m)
	})
}

func stateOf(m map[string]interface{}) string {
	if s, ok := m["state"]; ok {
		return fmt.Sprint(s)
	}
	return "unknown"
}

func (c *controllerState) stateChanged(topic, state string) bool {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()

	if c.lastState[topic] == state {
		return false
	}
	c.lastState[topic] = state
	return true
}

// onStatus registers fn for every accepted status message. fn runs on the
// delivery goroutine and must not block.
func (c *controllerState) onStatus(fn func(statusEvent)) {
	c.listenMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenMu.Unlock()
}

func (c *controllerState) emit(topic string, msg interface{}) {
	c.listenMu.RLock()
	listeners := c.listeners
	c.listenMu.RUnlock()

	ev := statusEvent{Topic: topic, Time: time.Now(), Message: msg}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *controllerState) newStopToken() *stopToken {
	ctx, cancel := context.WithCancel(c.ctx)
	t := &stopToken{ctx: ctx, cancel: cancel}

	c.tokenMu.Lock()
	c.token = t
	c.tokenMu.Unlock()
	return t
}

func (c *controllerState) releaseStopToken(t *stopToken) {
	c.tokenMu.Lock()
	if c.token == t {
		c.token = nil
	}
	c.tokenMu.Unlock()
	t.cancel()
}

// requestStop asks the running sweep or capture to stop at its next check.
// In-flight waits still run to their own timeouts.
func (c *controllerState) requestStop() {
	c.tokenMu.Lock()
	t := c.token
	c.tokenMu.Unlock()

	if t == nil {
		log.Printf("[DEBUG] stop requested with nothing running")
		return
	}
	log.Printf("[INFO] stop requested")
	t.cancel()
}

// waitForFirmwareReady gates everything else on the receiver reporting a
// usable sample rate.
func (c *controllerState) waitForFirmwareReady(maxWait time.Duration) bool {
	return c.receiver.waitForReady(maxWait)
}

// runSingle captures at one frequency. A recorder already running with this
// session's channel and rate is left alone.
func (c *controllerState) runSingle(rfHz int64) error {
	if err := c.session.checkFrequency(rfHz); err != nil {
		return err
	}

	t := c.newStopToken()
	defer c.releaseStopToken(t)

	changed := c.recorder.differs(c.session.channel, c.session.sampleRate)
	if changed {
		c.recorder.stop()
	}

	err := c.tuneAndArm(rfHz)
	if t.stopped() {
		log.Printf("[INFO] single capture stopped before the recorder was started")
		return err
	}

	c.recorder.ensure(c.session.channel, c.session.sampleRate)
	return err
}

// runSweep walks plan's frequencies. Step failures are logged and skipped; the
// sweep only ends early on a stop request or when plan.maxFailures
// consecutive steps fail.
func (c *controllerState) runSweep(plan sweepPlan) (sweepReport, error) {
	var report sweepReport

	for _, f := range plan.freqs {
		if err := c.session.checkFrequency(f); err != nil {
			return report, err
		}
	}

	t := c.newStopToken()
	defer c.releaseStopToken(t)

	mode := "IF"
	if c.session.hasTuner() {
		mode = "RF"
	}
	log.Printf("[INFO] %s sweep starting: %d step(s), dwell %s", mode, len(plan.freqs), plan.dwell)

	c.recorder.ensure(c.session.channel, c.session.sampleRate)
	lastRestart := time.Now()
	consecutive := 0

	for i, f := range plan.freqs {
		if t.stopped() {
			report.Stopped = true
			break
		}

		if i > 0 && plan.restartInterval > 0 && time.Since(lastRestart) >= plan.restartInterval {
			c.recorder.restart(c.session.channel, c.session.sampleRate)
			lastRestart = time.Now()
		}

		log.Printf("[INFO] step %d/%d", i+1, len(plan.freqs))
		err := c.tuneAndArm(f)
		report.Steps++
		if err != nil {
			report.Failed++
			consecutive++
			if plan.maxFailures > 0 && consecutive >= plan.maxFailures {
				log.Printf("[ERROR] %d consecutive capture failures, aborting sweep", consecutive)
				return report, fmt.Errorf("%w: %d", errTooManyFailures, consecutive)
			}
			continue
		}
		consecutive = 0

		if !c.dwell(t, plan.dwell) {
			report.Stopped = true
			break
		}
	}

	if report.Stopped {
		log.Printf("[INFO] sweep stopped after %d step(s)", report.Steps)
	} else {
		log.Printf("[INFO] sweep complete: %d step(s), %d failed", report.Steps, report.Failed)
	}
	return report, nil
}

// dwell holds the current frequency for d, logging telemetry every poll
// interval. It returns false when stopped early.
func (c *controllerState) dwell(t *stopToken, d time.Duration) bool {
	if d <= 0 {
		return !t.stopped()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	ticker := time.NewTicker(c.cfg.Timing.PollInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(d)
	for {
		select {
		case <-t.done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			timeout := c.cfg.Timing.TelemetryTimeout
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
			if timeout <= 0 {
				continue
			}
			if tlm, ok := c.receiver.requestTelemetry(timeout); ok {
				log.Printf("[INFO] %s, %.0fs left", tlm, math.Max(0, time.Until(deadline).Seconds()))
			}
		}
	}
}

// stopRecorder disables the recorder without waiting for it.
func (c *controllerState) stopRecorder() {
	c.recorder.stop()
}

func (c *controllerState) resetReceiver() error {
	log.Printf("[INFO] resetting receiver")
	return c.receiver.reset()
}

// setRecorderOption sets a single recorder config key and reports whatever
// the recorder answers within the status timeout.
func (c *controllerState) setRecorderOption(key string, value interface{}) error {
	return c.recorderExchange("config.set", func() error {
		return c.recorder.setOption(key, value)
	})
}

// reloadRecorderConfig reloads the recorder's stock config for this session's
// sample rate.
func (c *controllerState) reloadRecorderConfig() error {
	return c.recorderExchange("config.load", func() error {
		return c.recorder.loadConfig(c.session.sampleRate)
	})
}

func (c *controllerState) recorderExchange(task string, send func() error) error {
	var err error
	status, ok := c.recorder.status.request(c.cfg.Timing.StatusTimeout, func() error {
		err = send()
		return err
	})
	if err != nil {
		return err
	}
	if ok {
		log.Printf("[INFO] recorder: %s, %s", task, describeStatus(status))
	} else {
		log.Printf("[WARN] recorder: no response to %s", task)
	}
	return nil
}

// sendRaw publishes an arbitrary command, for manual poking at a service.
func (c *controllerState) sendRaw(topic, task string, args interface{}) error {
	return c.publish(topic, command{TaskName: task, Arguments: args})
}

// cachedTelemetry never touches the bus.
func (c *controllerState) cachedTelemetry() (telemetry, bool) {
	return c.receiver.cached()
}

// cachedStatus returns the last message seen on every status topic.
func (c *controllerState) cachedStatus() map[string]interface{} {
	out := make(map[string]interface{}, 3)
	if v, ok := c.receiver.status.snapshot(); ok {
		out[c.receiver.status.topic] = v
	}
	if v, ok := c.recorder.status.snapshot(); ok {
		out[c.recorder.status.topic] = v
	}
	if v, ok := c.tuner.status.snapshot(); ok {
		out[c.tuner.status.topic] = v
	}
	return out
}

// disconnect stops anything running and closes the transport. It is safe to
// call more than once.
func (c *controllerState) disconnect() {
	c.requestStop()
	c.cancel()

	c.busMu.Lock()
	bus := c.bus
	c.bus = nil
	c.busMu.Unlock()

	if bus != nil {
		bus.close()
	}
}
