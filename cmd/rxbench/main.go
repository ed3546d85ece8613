//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rxbench/config"
	"github.com/romshark/rxbench/ifacestat"
	"github.com/romshark/rxbench/receiver"
	"github.com/romshark/rxbench/stats"
)

const banner = `
╔═══════════════════════════════════════════╗
║   Packet Datapath - Performance Test Tool ║
╚═══════════════════════════════════════════╝
`

// parseSeconds accepts whole seconds ("10") or a Go duration ("1m30s").
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func loadConfig(args []string, stderr io.Writer) (conf config.Config, logLevel string, err error) {
	fs := flag.NewFlagSet("rxbench", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fConfig := fs.String("config", "", "path to config YAML file")
	fMode := fs.String("mode", "", "receive mode: socket, af_xdp, dpdk")
	fIface := fs.String("interface", "", "network interface")
	fs.StringVar(fIface, "i", "", "network interface (shorthand)")
	fVerbose := fs.Bool("verbose", false, "log every packet and print live rates")
	fs.BoolVar(fVerbose, "v", false, "verbose (shorthand)")
	fNoPromisc := fs.Bool("no-promisc", false, "do not enable promiscuous mode")
	fSnaplen := fs.Uint("snaplen", 0, "socket mode: bytes kept per packet")
	fTimeout := fs.Duration("timeout", 0, "bound for each blocking wait")
	fQueue := fs.Int("queue", -1, "af_xdp mode: RX queue to bind")
	fCopy := fs.Bool("xdp-copy", false, "af_xdp mode: do not request XDP_ZEROCOPY")
	fLogLevel := fs.String("log-level", "info", "debug, info, warn or error")
	var duration time.Duration
	var durationSet bool
	fs.Func("duration", "run time in seconds or as a duration, 0 runs until interrupted",
		func(s string) (err error) {
			duration, err = parseSeconds(s)
			durationSet = true
			return err
		})

	if err := fs.Parse(args); err != nil {
		return conf, "", err
	}

	conf = config.Default()
	if *fConfig != "" {
		if conf, err = config.Load(*fConfig); err != nil {
			return conf, "", err
		}
	}

	// Apply CLI overrides if necessary.
	if *fMode != "" {
		conf.Mode = *fMode
	}
	if *fIface != "" {
		conf.Interface = *fIface
	}
	if durationSet {
		conf.Duration = duration
	}
	if *fVerbose {
		conf.Verbose = true
	}
	if *fNoPromisc {
		conf.Promiscuous = false
	}
	if *fSnaplen != 0 {
		conf.BufferSize = uint32(*fSnaplen)
	}
	if *fTimeout != 0 {
		conf.Timeout = *fTimeout
	}
	if *fQueue >= 0 {
		conf.XDP.Queue = uint32(*fQueue)
	}
	if *fCopy {
		conf.XDP.PreferZerocopy = false
	}

	logLevel = *fLogLevel
	if conf.Verbose {
		logLevel = "debug"
	}
	return conf, logLevel, conf.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// finish prints the final report and releases r. A failed print is
// logged and does not keep the receiver from being released.
func finish(
	r *receiver.Receiver, out io.Writer, iface string, nicBefore ifacestat.Stats, log *zap.Logger,
) error {
	if err := r.Stats().Snapshot().Print(out); err != nil {
		log.Error("printing statistics", zap.Error(err))
	}

	if nicBefore != nil {
		if nicAfter, err := ifacestat.Snapshot([]string{iface}); err == nil {
			fmt.Fprintln(out, "\nInterface counters during the run:")
			if err := ifacestat.Print(out, nicAfter.Since(nicBefore), nil); err != nil {
				log.Error("printing interface counters", zap.Error(err))
			}
		}
	}

	return r.Release()
}

func main() {
	fmt.Print(banner)

	conf, logLevel, err := loadConfig(os.Args[1:], os.Stderr)
	if err == flag.ErrHelp {
		return
	}
	fatalIf(err, "reading config")

	log, err := newLogger(logLevel)
	fatalIf(err, "creating logger")
	defer func() { _ = log.Sync() }()

	if conf.Verbose {
		fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
		b, err := yaml.Marshal(conf)
		fatalIf(err, "encoding final YAML config")
		_, _ = os.Stderr.Write(b)
		fmt.Fprintln(os.Stderr)
	}

	mode, err := receiver.ParseMode(conf.Mode)
	fatalIf(err, "parsing mode")

	r, err := receiver.New(mode, log)
	fatalIf(err, "creating %s receiver", mode)

	// Signals are caught from here on, so Release runs even when one
	// arrives during Init.
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	stopOnSignal := context.AfterFunc(ctx, func() {
		fmt.Println("\nInterrupt signal received, stopping...")
		if err := r.Stop(); err != nil {
			log.Error("stopping receiver", zap.Error(err))
		}
	})
	defer stopOnSignal()

	if err := r.Init(conf); err != nil {
		if rerr := r.Release(); rerr != nil {
			log.Warn("releasing receiver", zap.Error(rerr))
		}
		fatalIf(err, "initializing %s receiver", mode)
	}

	// NIC counters are best effort; the run does not depend on them.
	nicBefore, err := ifacestat.Snapshot([]string{conf.Interface})
	if err != nil {
		log.Warn("reading interface counters", zap.Error(err))
	}

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	if conf.Verbose {
		go stats.Monitor(monitorCtx, r.Stats(), os.Stdout, time.Second)
	}

	runErr := r.Start(ctx)
	cancelMonitor()

	releaseErr := finish(r, os.Stdout, conf.Interface, nicBefore, log)
	stopSignals()
	fatalIf(releaseErr, "releasing receiver")
	fatalIf(runErr, "receiving")

	fmt.Println("Program terminated")
}
