package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tunerSession(t *testing.T, tuner, injection string) sessionConfig {
	t.Helper()
	s, err := newSessionConfig("A", 10, tuner, 1090, injection, "")
	require.NoError(t, err)
	return s
}

func conjugateSets(bus *fakeBus, cfg *config) []interface{} {
	var out []interface{}
	for _, c := range bus.commands(cfg.Topics.RecorderCommand) {
		args, ok := c.Arguments.(map[string]interface{})
		if ok && c.TaskName == "config.set" && args["key"] == recorderKeyConjugate {
			out = append(out, args["value"])
		}
	}
	return out
}

func TestTuneAndArmWithoutTuner(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, plainSession(t))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))

	require.NoError(t, c.tuneAndArm(7000e6))

	assert.Equal(t, []command{
		{TaskName: "reset"},
		{TaskName: "set", Arguments: "freq_IF 7000"},
		{TaskName: "set", Arguments: "freq_metadata 7000000000"},
		{TaskName: "set", Arguments: "channel A"},
		{TaskName: "capture_next_pps"},
		{TaskName: "get", Arguments: []string{"tlm"}},
	}, bus.commands(cfg.Topics.ReceiverCommand))

	assert.Empty(t, bus.commands(cfg.Topics.TunerCommand), "no LO without a tuner")
	assert.Empty(t, conjugateSets(bus, cfg))
}

func TestTuneAndArmHighSideInjection(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "LMX2820", "high"))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))
	bus.respond(cfg.Topics.TunerCommand, func(cmd command) []reply {
		if cmd.TaskName == "get_lock_status" {
			return []reply{{topic: cfg.Topics.TunerStatus, body: `{"task_name": "get_lock_status", "value": true}`}}
		}
		return nil
	})

	require.NoError(t, c.tuneAndArm(7000e6))

	assert.Equal(t, []command{
		{TaskName: "init_tuner", Arguments: map[string]interface{}{"force_tuner": "LMX2820"}},
		{TaskName: "set_freq", Arguments: map[string]interface{}{"freq_mhz": 8090.0}},
		{TaskName: "get_lock_status", Arguments: map[string]interface{}{}},
	}, bus.commands(cfg.Topics.TunerCommand))
	assert.Equal(t, []interface{}{true}, conjugateSets(bus, cfg))

	rx := bus.commands(cfg.Topics.ReceiverCommand)
	require.GreaterOrEqual(t, len(rx), 3)
	assert.Equal(t, command{TaskName: "set", Arguments: "freq_IF 1090"}, rx[1])
	assert.Equal(t, command{TaskName: "set", Arguments: "freq_metadata 7000000000"}, rx[2])
}

func TestTuneAndArmLowSideInjection(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "VALON", ""))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))

	require.NoError(t, c.tuneAndArm(7000e6))

	cmds := bus.commands(cfg.Topics.TunerCommand)
	require.Len(t, cmds, 3)
	assert.Equal(t, map[string]interface{}{"freq_mhz": 5910.0}, cmds[1].Arguments)
	assert.Equal(t, []interface{}{false}, conjugateSets(bus, cfg))
}

func TestTuneAndArmSkipsLockForDevicesWithoutIt(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "TEST", ""))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))

	require.NoError(t, c.tuneAndArm(7000e6))
	assert.Equal(t, []string{"init_tuner", "set_freq"}, bus.tasks(cfg.Topics.TunerCommand))
}

func TestTuneAndArmAutoTuner(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "auto", "low"))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))
	bus.respond(cfg.Topics.TunerCommand, func(cmd command) []reply {
		switch cmd.TaskName {
		case "init_tuner":
			return []reply{{topic: cfg.Topics.TunerStatus, body: `{"state": "ready", "tuner": {"name": "Valon 5015"}}`}}
		case "get_lock_status":
			return []reply{{topic: cfg.Topics.TunerStatus, body: `{"task_name": "get_lock_status", "value": true}`}}
		}
		return nil
	})

	require.NoError(t, c.tuneAndArm(7000e6))

	cmds := bus.commands(cfg.Topics.TunerCommand)
	require.Len(t, cmds, 3)
	assert.Equal(t, map[string]interface{}{}, cmds[0].Arguments, "auto selection forces no device")
	assert.Equal(t, "VALON", c.tuner.device.name)
	assert.Equal(t, "get_lock_status", cmds[2].TaskName)
}

func TestTuneAndArmAutoTunerUnresolved(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "auto", "high"))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, stateActive))

	require.NoError(t, c.tuneAndArm(7000e6))
	assert.Equal(t, tunerAuto, c.tuner.device.name)
	assert.Equal(t, []string{"init_tuner", "set_freq"}, bus.tasks(cfg.Topics.TunerCommand))
}

func TestTuneAndArmIdleIsRejected(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, plainSession(t))
	bus.respond(cfg.Topics.ReceiverCommand, receiverReplies(cfg, "idle"))

	err := c.tuneAndArm(7000e6)
	assert.ErrorIs(t, err, errCaptureRejected)
	assert.Equal(t, 1, bus.count(cfg.Topics.ReceiverCommand, "get"), "no retries")
}

func TestTuneAndArmNoTelemetry(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestController(t, cfg, plainSession(t))

	assert.ErrorIs(t, c.tuneAndArm(7000e6), errTelemetryTimeout)
}

func TestTuneAndArmLowSideBelowZero(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, tunerSession(t, "VALON", ""))

	assert.ErrorIs(t, c.tuneAndArm(500e6), errFrequencyOutOfBounds)
	assert.Empty(t, bus.commands(cfg.Topics.ReceiverCommand))
}

func TestLocalOscillator(t *testing.T) {
	assert.Equal(t, int64(8090e6), localOscillatorHz(7000e6, 1090e6, injectionHigh))
	assert.Equal(t, int64(5910e6), localOscillatorHz(7000e6, 1090e6, injectionLow))
	assert.True(t, conjugateFor(injectionHigh))
	assert.False(t, conjugateFor(injectionLow))
}

func TestResolveTuner(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status map[string]interface{}
		want   string
	}{
		{"nested name", map[string]interface{}{"tuner": map[string]interface{}{"name": "LMX2820"}}, "LMX2820"},
		{"top level name", map[string]interface{}{"name": "valon"}, "VALON"},
		{"tuner string", map[string]interface{}{"tuner": "TEST synth"}, "TEST"},
		{"init reply", map[string]interface{}{"task_name": "init_tuner", "value": "Valon 5015"}, "VALON"},
		{"nothing usable", map[string]interface{}{"state": "ready", "value": 3.0}, tunerAuto},
		{"unknown device", map[string]interface{}{"name": "ADF4351"}, tunerAuto},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveTuner(tc.status).name)
		})
	}
}

func TestTuneAndArmIgnoresAckBeforeTelemetry(t *testing.T) {
	cfg := testConfig()
	c, bus := newTestController(t, cfg, plainSession(t))
	active := receiverReplies(cfg, stateActive)
	bus.respond(cfg.Topics.ReceiverCommand, func(cmd command) []reply {
		replies := active(cmd)
		if len(replies) == 0 {
			return nil
		}
		ack := reply{topic: cfg.Topics.ReceiverStatus, body: `{"task_name": "` + cmd.TaskName + `", "value": "ok"}`}
		return append([]reply{ack}, replies...)
	})

	require.NoError(t, c.tuneAndArm(7000e6))

	tlm, ok := c.cachedTelemetry()
	require.True(t, ok)
	assert.Equal(t, stateActive, tlm.State)
}
