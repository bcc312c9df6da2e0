// Package cmd wires up the CLI flags and dispatches to the echo server or
// client.
package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"

	"github.com/cyberinferno/quic-echo/client"
	"github.com/cyberinferno/quic-echo/config"
	"github.com/cyberinferno/quic-echo/logger"
	"github.com/cyberinferno/quic-echo/metrics"
	"github.com/cyberinferno/quic-echo/server"
	"github.com/cyberinferno/quic-echo/transport"
)

// version is overridable at link time:
//
//	go build -ldflags "-X github.com/cyberinferno/quic-echo/cmd.version=1.1.0"
var version = "1.0.0" //nolint:gochecknoglobals

const metricsNamespace = "quic_echo"

// flagValues holds the raw flag values; only flags set on the command line
// override the loaded configuration.
type flagValues struct {
	mode        string
	host        string
	port        int
	cert        string
	key         string
	selfSigned  bool
	allow0RTT   bool
	serverName  string
	eventLoops  int
	prefix      string
	logLevel    string
	logDir      string
	metricsAddr string
}

// Execute parses args and runs the selected mode until ctx is done.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	defaults := config.Default()
	fv := flagValues{}

	fs := flag.NewFlagSet("quic-echo", flag.ContinueOnError)
	fs.SetOutput(stderr)

	// ── mode and endpoint ────────────────────────────────────────
	fs.StringVarP(&fv.mode, "mode", "m", defaults.Mode, "Run as server or client")
	fs.StringVarP(&fv.host, "host", "H", defaults.Host, "Server host to bind or connect to")
	fs.IntVarP(&fv.port, "port", "p", defaults.Port, "Server port")

	// ── TLS ──────────────────────────────────────────────────────
	fs.StringVar(&fv.cert, "cert", "", "Server certificate file (PEM)")
	fs.StringVar(&fv.key, "key", "", "Server private key file (PEM)")
	fs.BoolVar(&fv.selfSigned, "self-signed", false, "Serve a generated self-signed certificate (development only)")
	fs.StringVar(&fv.serverName, "server-name", defaults.ServerName, "TLS server name sent by the client")

	// ── service ──────────────────────────────────────────────────
	fs.BoolVar(&fv.allow0RTT, "allow-0rtt", defaults.QUIC.Allow0RTT, "Accept or send 0-RTT early data on resumed connections")
	fs.IntVar(&fv.eventLoops, "event-loops", defaults.EventLoops, "Number of server event loops")
	fs.StringVar(&fv.prefix, "prefix", defaults.Prefix, "Prefix prepended to echoed messages")
	fs.StringVar(&fv.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (server mode)")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&fv.logLevel, "log-level", defaults.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.logDir, "log-dir", "", "Also write daily log files to this directory")

	var configPath string
	var showVersion, showHelp, dryRun bool
	fs.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs, stderr) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs, stderr)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "quic-echo %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	// ── configuration ────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(fs, &fv, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	if dryRun {
		fmt.Fprintf(stdout, "mode=%s address=%s event_loops=%d log_level=%s allow_0rtt=%t\n", cfg.Mode, cfg.Address(), cfg.EventLoops, cfg.Log.Level, cfg.QUIC.Allow0RTT)
		return nil
	}

	// ── build components ─────────────────────────────────────────
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		ServiceName: "quic-echo",
		Level:       level,
		Console:     cfg.Log.Console,
		Dir:         cfg.Log.Dir,
		Output:      stderr,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	collector := metrics.NewCollector(metricsNamespace, prometheus.NewRegistry())

	if cfg.Mode == config.ModeClient {
		return runClient(ctx, cfg, log, collector, stdin, stdout)
	}

	return runServer(ctx, cfg, log, collector)
}

func applyFlags(fs *flag.FlagSet, fv *flagValues, cfg *config.Config) {
	if fs.Changed("mode") {
		cfg.Mode = fv.mode
	}
	if fs.Changed("host") {
		cfg.Host = fv.host
	}
	if fs.Changed("port") {
		cfg.Port = fv.port
	}
	if fs.Changed("cert") {
		cfg.CertFile = fv.cert
	}
	if fs.Changed("key") {
		cfg.KeyFile = fv.key
	}
	if fs.Changed("self-signed") {
		cfg.SelfSigned = fv.selfSigned
	}
	if fs.Changed("server-name") {
		cfg.ServerName = fv.serverName
	}
	if fs.Changed("allow-0rtt") {
		cfg.QUIC.Allow0RTT = fv.allow0RTT
	}
	if fs.Changed("event-loops") {
		cfg.EventLoops = fv.eventLoops
	}
	if fs.Changed("prefix") {
		cfg.Prefix = fv.prefix
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = fv.logLevel
	}
	if fs.Changed("log-dir") {
		cfg.Log.Dir = fv.logDir
	}
}

func runServer(ctx context.Context, cfg *config.Config, log logger.Logger, collector *metrics.Collector) error {
	var tlsConf *tls.Config
	var err error
	if cfg.SelfSigned {
		log.Warn("serving a self-signed certificate; do not use in production")
		tlsConf, err = transport.GenerateSelfSignedTLSConfig(cfg.Host, cfg.ServerName)
	} else {
		tlsConf, err = transport.LoadServerTLSConfig(cfg.CertFile, cfg.KeyFile)
	}
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	ln, err := transport.Listen(cfg.Address(), tlsConf, cfg.QUICOptions(), log)
	if err != nil {
		return err
	}

	srv := server.New(ln, server.Options{
		Logger:      log,
		Metrics:     collector,
		Prefix:      cfg.Prefix,
		EventLoops:  cfg.EventLoops,
		MetricsAddr: cfg.MetricsAddr,
	})

	return srv.Run(ctx)
}

func runClient(ctx context.Context, cfg *config.Config, log logger.Logger, collector *metrics.Collector, stdin io.Reader, stdout io.Writer) error {
	dialer := &transport.QUICDialer{
		TLSConfig: transport.InsecureClientTLSConfig(cfg.ServerName),
		Options:   cfg.QUICOptions(),
		Logger:    log,
	}

	session := client.New(client.Config{
		Address:           cfg.Address(),
		ConnectionTimeout: cfg.QUIC.ConnectTimeout,
	}, dialer, client.Options{Logger: log, Metrics: collector})
	defer func() { _ = session.Close() }()

	session.OnDataReceived(replyPrinter(stdout))

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Address(), err)
	}

	return session.Run(ctx, stdin)
}

// replyPrinter returns a handler that collects reply chunks per stream and
// prints each reply on its own line once the server finished it. It relies on
// the session delivering chunks one at a time and in order.
func replyPrinter(w io.Writer) client.DataReceivedHandler {
	replies := make(map[transport.StreamID][]byte)

	return func(e client.DataReceivedEvent) {
		replies[e.StreamID] = append(replies[e.StreamID], e.Data...)
		if !e.EOF {
			return
		}

		reply := replies[e.StreamID]
		delete(replies, e.StreamID)
		if len(reply) > 0 {
			fmt.Fprintf(w, "%s\n", reply)
		}
	}
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `quic-echo v%s

Request/response echo over QUIC. Every message travels on its own stream and
comes back prefixed.

Usage:
  quic-echo --mode server --cert cert.pem --key key.pem [options]
  quic-echo --mode client [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  QUICECHO_*  overrides config file values (e.g. QUICECHO_PORT=7000)

Examples:
  quic-echo --self-signed                       Local development server
  quic-echo -m client -H ::1 -p 6666            Interactive client; /close quits
  echo hello | quic-echo -m client              Pipe one message
`)
}
