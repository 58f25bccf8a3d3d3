// main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"tocclient/internal/bridge"
	"tocclient/internal/metrics"
	"tocclient/internal/toc"
)

const passwordEnv = "TOC_PASSWORD"

type options struct {
	tocHost    string
	tocPort    int
	authHost   string
	authPort   int
	protocol   int
	screenName string
	password   string
	useUI      bool
	httpAddr   string
	logLevel   string
	logFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := options{}
	def := toc.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "tocclient",
		Short: "A TOC instant messaging client",
		Long: `tocclient signs on to a TOC server and lets you chat from the terminal.

Lines starting with / are commands (see /help); anything else is sent to
the last conversation. The password can also be given in $TOC_PASSWORD.

Examples:
  tocclient --screen-name bob
  tocclient --screen-name bob --ui
  tocclient --screen-name bob --http :8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.password == "" {
				opts.password = os.Getenv(passwordEnv)
			}
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.tocHost, "toc-host", def.TocHost, "TOC server host")
	flags.IntVar(&opts.tocPort, "toc-port", def.TocPort, "TOC server port")
	flags.StringVar(&opts.authHost, "auth-host", def.AuthHost, "authorizer host sent at signon")
	flags.IntVar(&opts.authPort, "auth-port", def.AuthPort, "authorizer port sent at signon")
	flags.IntVar(&opts.protocol, "protocol", int(def.Protocol), "TOC protocol version (1 or 2)")
	flags.StringVarP(&opts.screenName, "screen-name", "s", "", "screen name to sign on as")
	flags.StringVarP(&opts.password, "password", "p", "", "password (default $"+passwordEnv+")")
	flags.BoolVar(&opts.useUI, "ui", false, "run the terminal UI")
	flags.StringVar(&opts.httpAddr, "http", "", "serve /metrics, /buddies and /ws on this address")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "write logs to this file (default stderr, toc.log with --ui)")
	cmd.MarkFlagRequired("screen-name")

	return cmd
}

func (o options) validate() error {
	if o.protocol != int(toc.TOCv1) && o.protocol != int(toc.TOCv2) {
		return fmt.Errorf("invalid protocol version: %d", o.protocol)
	}
	if o.password == "" {
		return fmt.Errorf("no password given, use --password or $%s", passwordEnv)
	}
	return nil
}

func newLogger(o options, stderr io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	path := o.logFile
	if path == "" && o.useUI {
		path = "toc.log"
	}

	var w io.Writer = stderr
	cleanup := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		cleanup = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), cleanup, nil
}

// bridgeSession lets the HTTP bridge reach the app's client.
type bridgeSession struct {
	app *App
}

func (s bridgeSession) Buddies() []toc.Buddy {
	return s.app.session.Roster().Buddies()
}

func (s bridgeSession) Send(ctx context.Context, screenName, message string, autoResponse bool) error {
	return s.app.session.Send(ctx, screenName, message, autoResponse)
}

func run(ctx context.Context, o options, stdin io.Reader, stdout io.Writer) error {
	if err := o.validate(); err != nil {
		return err
	}
	logger, closeLog, err := newLogger(o, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	cfg := toc.DefaultConfig()
	cfg.TocHost = o.tocHost
	cfg.TocPort = o.tocPort
	cfg.AuthHost = o.authHost
	cfg.AuthPort = o.authPort
	cfg.Protocol = toc.ProtocolVersion(o.protocol)
	cfg.Logger = logger
	cfg.Metrics = metrics.New(metrics.WithRegistry(reg))

	app := NewApp(ctx, func(l Line) {
		fmt.Fprintln(stdout, formatLine(l))
	})

	var hub *bridge.Hub
	if o.httpAddr != "" {
		hub = bridge.NewHub(bridgeSession{app}, logger)
	}
	client := toc.NewClient(cfg, app.handlers(hub))
	app.session = client

	if hub != nil {
		srv := &http.Server{
			Addr:              o.httpAddr,
			Handler:           bridge.NewRouter(hub, reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("bridge listening", "addr", o.httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("bridge stopped", "err", err)
			}
		}()
		defer func() {
			hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	signonCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.SignOn(signonCtx, o.screenName, o.password)
	cancel()
	if err != nil {
		return err
	}
	defer client.SignOff()

	if err := client.StartListening(); err != nil {
		return err
	}
	app.system(fmt.Sprintf("signed on as %s, type /help for commands", o.screenName))

	if o.useUI {
		return RunWithUI(ctx, app)
	}
	return lineMode(ctx, app, stdin)
}

// lineMode reads commands from r until /quit, end of input or the context
// is done.
func lineMode(ctx context.Context, app *App, r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return app.process(ctx, lines, app.Lost())
}
