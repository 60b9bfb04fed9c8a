// Copyright (C) 2014 Ian Bishop
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package mepctl drives an RFSoC capture chain (receiver, stream recorder
// and optional synthesizer) over MQTT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/spf13/cobra"
)

const logDirectory = "log/spectrumx"

var errFirmwareNotReady = errors.New("receiver firmware not ready")

var (
	cliCfgFile string
	logLevel   string
	logToFile  bool
	listenAddr string
	skipReady  bool
	cfg        *config

	sessionFlags struct {
		channel, tuner, adcIF, injection, name string
		rate                                   int
	}
	sweepFlags struct {
		start, end, step string
		dwell, restart   time.Duration
		maxFailures      int
	}
	brokerFlags struct {
		host string
		port int
	}
)

var rootCmd = &cobra.Command{
	Use:           "mepctl",
	Short:         "Orchestrate RFSoC captures over MQTT",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel, logToFile); err != nil {
			return err
		}

		var err error
		if cfg, err = getConfig(cliCfgFile); err != nil {
			return fmt.Errorf("unable to read configuration: %w", err)
		}
		applyFlagOverrides(cmd, cfg)
		return nil
	},
}

var singleCmd = &cobra.Command{
	Use:   "single [frequency]",
	Short: "Tune and capture at a single frequency",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freqStr := cfg.Sweep.FreqStart
		if len(args) == 1 {
			freqStr = args[0]
		}
		mhz, err := freqMHz(freqStr)
		if err == nil {
			err = checkFrequencyMHz(mhz)
		}
		if err != nil {
			return err
		}

		return withController(func(ctx context.Context, c *controllerState) error {
			return c.runSingle(mhzToHz(mhz))
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Step through a frequency range, dwelling at each step",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := cfg.sweepPlan()
		if err != nil {
			return err
		}

		return withController(func(ctx context.Context, c *controllerState) error {
			report, err := c.runSweep(plan)
			log.Printf("[INFO] stopping recorder")
			c.stopRecorder()
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				log.Printf("[WARN] %d of %d step(s) failed", report.Failed, report.Steps)
			}
			return nil
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Disable the recorder and reset the receiver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skipReady = true
		return withController(func(ctx context.Context, c *controllerState) error {
			c.stopRecorder()
			return c.resetReceiver()
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <topic> <task> [json-arguments]",
	Short: "Publish a raw command to a service",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var arguments interface{}
		if len(args) == 3 {
			arguments = parseArgument(args[2])
		}

		skipReady = true
		return withController(func(ctx context.Context, c *controllerState) error {
			return c.sendRaw(args[0], args[1], arguments)
		})
	},
}

var recorderCmd = &cobra.Command{
	Use:   "recorder",
	Short: "Adjust the stream recorder directly",
}

var recorderSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one recorder config key, e.g. drf_sink.capture_name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		skipReady = true
		return withController(func(ctx context.Context, c *controllerState) error {
			return c.setRecorderOption(args[0], parseArgument(args[1]))
		})
	},
}

var recorderReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the recorder's stock config for the session sample rate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skipReady = true
		return withController(func(ctx context.Context, c *controllerState) error {
			return c.reloadRecorderConfig()
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Log service state changes and serve them over HTTP until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		skipReady = true
		if listenAddr == "" {
			listenAddr = fmt.Sprintf("%s:%d", cfg.Monitor.ListenHost, cfg.Monitor.ListenPort)
		}

		return withController(func(ctx context.Context, c *controllerState) error {
			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cliCfgFile, "config", "c", "", "configuration file to load parameters from")
	pf.StringVarP(&logLevel, "log-level", "l", "INFO", "minimum log level: DEBUG, INFO, WARN or ERROR")
	pf.BoolVar(&logToFile, "log-file", false, "also log to a timestamped file under ~/"+logDirectory)
	pf.StringVar(&listenAddr, "listen", "", "serve status over HTTP/websocket on this address")
	pf.StringVar(&brokerFlags.host, "broker", "", "MQTT broker host")
	pf.IntVar(&brokerFlags.port, "broker-port", 0, "MQTT broker port")
	pf.BoolVar(&skipReady, "skip-ready", false, "do not wait for the receiver firmware to report ready")

	for _, cmd := range []*cobra.Command{singleCmd, sweepCmd} {
		f := cmd.Flags()
		f.StringVar(&sessionFlags.channel, "channel", "", "receiver channel (A, B, C or D)")
		f.IntVar(&sessionFlags.rate, "rate", 0, "recorder sample rate in MHz")
		f.StringVarP(&sessionFlags.tuner, "tuner", "t", "", "tuner: none, auto, LMX2820, VALON or TEST")
		f.StringVar(&sessionFlags.adcIF, "adc-if", "", "fixed ADC IF when a tuner is used")
		f.StringVar(&sessionFlags.injection, "injection", "", "LO injection side: high or low")
		f.StringVar(&sessionFlags.name, "name", "", "capture name recorded with the data")
	}

	f := sweepCmd.Flags()
	f.StringVar(&sweepFlags.start, "start", "", "start frequency (MHz unless suffixed)")
	f.StringVar(&sweepFlags.end, "end", "", "end frequency, exclusive; omit for a single step")
	f.StringVar(&sweepFlags.step, "step", "", "step size")
	f.DurationVar(&sweepFlags.dwell, "dwell", 0, "time spent at each frequency")
	f.DurationVar(&sweepFlags.restart, "restart-interval", 0, "force a recorder restart this often, 0 to disable")
	f.IntVar(&sweepFlags.maxFailures, "max-failures", 0, "abort after this many consecutive failed steps, 0 never")

	recorderReloadCmd.Flags().IntVar(&sessionFlags.rate, "rate", 0, "recorder sample rate in MHz")
	recorderCmd.AddCommand(recorderSetCmd, recorderReloadCmd)

	rootCmd.AddCommand(singleCmd, sweepCmd, stopCmd, sendCmd, recorderCmd, monitorCmd)
}

func main() {
	handleErr("%s\n", rootCmd.Execute())
}

// parseArgument decodes a command line value as JSON, falling back to the
// bare string since services also take those, e.g. "freq_IF 1090".
func parseArgument(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// applyFlagOverrides copies explicitly given flags over the file config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}

	if changed("broker") {
		cfg.Broker.Host = brokerFlags.host
	}
	if changed("broker-port") {
		cfg.Broker.Port = brokerFlags.port
	}

	if changed("channel") {
		cfg.Session.Channel = sessionFlags.channel
	}
	if changed("rate") {
		cfg.Session.SampleRate = sessionFlags.rate
	}
	if changed("tuner") {
		cfg.Session.Tuner = sessionFlags.tuner
	}
	if changed("adc-if") {
		cfg.Session.AdcIF = sessionFlags.adcIF
	}
	if changed("injection") {
		cfg.Session.Injection = sessionFlags.injection
	}
	if changed("name") {
		cfg.Session.CaptureName = sessionFlags.name
	}

	if changed("start") {
		cfg.Sweep.FreqStart = sweepFlags.start
	}
	if changed("end") {
		cfg.Sweep.FreqEnd = sweepFlags.end
	}
	if changed("step") {
		cfg.Sweep.Step = sweepFlags.step
	}
	if changed("dwell") {
		cfg.Sweep.Dwell = sweepFlags.dwell
	}
	if changed("restart-interval") {
		cfg.Sweep.RestartInterval = sweepFlags.restart
	}
	if changed("max-failures") {
		cfg.Sweep.MaxFailures = sweepFlags.maxFailures
	}
}

// withController validates the session, connects, optionally starts the
// monitor and waits for the firmware, then hands over to fn. SIGINT/SIGTERM
// request a stop and cancel ctx.
func withController(fn func(ctx context.Context, c *controllerState) error) error {
	session, err := cfg.session()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newCaptureController(ctx, cfg, session, mqttDialer(cfg))
	if err != nil {
		return err
	}
	defer c.disconnect()

	handleSignal(func() {
		c.requestStop()
		cancel()
	}, shutdownSignals...)

	if listenAddr != "" {
		mon := newMonitorServer(c)
		go func() {
			if err := mon.serve(ctx, listenAddr); err != nil {
				log.Printf("[ERROR] monitor: %s", err)
			}
		}()
	}

	if !skipReady && !c.waitForFirmwareReady(cfg.Timing.ReadyTimeout) {
		return errFirmwareNotReady
	}

	return fn(ctx, c)
}

var logLevels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"}

func setupLogging(level string, toFile bool) error {
	level = strings.ToUpper(level)
	if level == "WARNING" {
		level = "WARN"
	}
	known := false
	for _, l := range logLevels {
		known = known || string(l) == level
	}
	if !known {
		return fmt.Errorf("unknown log level %q", level)
	}

	var w io.Writer = os.Stderr

	if toFile {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir := filepath.Join(home, logDirectory)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		name := fmt.Sprintf("mepctl_%s.log", time.Now().Format("2006-01-02T15-04-05"))
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	log.SetFlags(log.LstdFlags)
	log.SetOutput(&logutils.LevelFilter{
		Levels:   logLevels,
		MinLevel: logutils.LogLevel(level),
		Writer:   w,
	})
	return nil
}

func handleErr(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msg, err)
		os.Exit(-1)
	}
}

func handleSignal(handleFn func(), sigs ...os.Signal) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, sigs...)

	go func() {
		<-signalChan
		fmt.Fprintln(os.Stderr, "\nReceived an interrupt, stopping...")
		handleFn()
	}()
}
