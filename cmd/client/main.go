package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sunshow/workgear/client/internal/config"
	"github.com/sunshow/workgear/client/internal/engine"
	"github.com/sunshow/workgear/client/internal/engine/fake"
	"github.com/sunshow/workgear/client/internal/engine/httpapi"
	"github.com/sunshow/workgear/client/internal/notice"
	"github.com/sunshow/workgear/client/internal/notify"
	"github.com/sunshow/workgear/client/internal/printer"
	"github.com/sunshow/workgear/client/internal/schedule"
	"github.com/sunshow/workgear/client/internal/session"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	engine     string
	transport  string
	userID     string
	output     string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "workgear-client",
		Short:         "Follow and review WorkGear generation workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&opts.engine, "engine", "", "Engine to talk to: http or fake (overrides config)")
	flags.StringVar(&opts.transport, "transport", "", "Push transport: ws or grpc (overrides config)")
	flags.StringVar(&opts.userID, "user", "", "User id of the push connection (overrides config)")
	flags.StringVarP(&opts.output, "output", "o", printer.FormatYAML, "Output format: yaml or json")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newStartCommand(opts),
		newWatchCommand(opts),
		newReviewCommand(opts),
		newHistoryCommand(opts),
		newEditCommand(opts),
	)
	return cmd
}

// app is what every subcommand runs against
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	session *session.Session
	printer *printer.Printer
	fake    *fake.Engine
	stream  *grpc.Server
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.engine != "" {
		cfg.Engine.Kind = o.engine
	}
	if o.transport != "" {
		cfg.Notify.Transport = o.transport
	}
	if o.userID != "" {
		cfg.UserID = o.userID
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

func (o *rootOptions) newApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	out, err := printer.New(o.stdout, o.output)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, printer: out}
	clk := schedule.Real()

	var (
		gateway engine.Gateway
		dialer  notify.Dialer
	)
	switch cfg.Engine.Kind {
	case config.EngineFake:
		a.fake = fake.New(fake.Config{
			Autoplay:  true,
			StepDelay: cfg.Fake.StepDelay,
			Rows:      cfg.Fake.Rows,
			Clock:     clk,
			Logger:    logger,
		})
		gateway = a.fake
		dialer = a.fake.Dialer()
		if cfg.Notify.Transport == config.TransportGRPC {
			dialer = a.serveFakeStream(cfg.Notify.HealthService)
		}
	default:
		gateway, err = httpapi.New(httpapi.Config{
			BaseURL:   cfg.Engine.BaseURL,
			Token:     cfg.Engine.Token,
			Timeout:   cfg.Engine.RequestTimeout,
			RateLimit: cfg.Engine.RateLimit,
			RateBurst: cfg.Engine.RateBurst,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create engine client: %w", err)
		}
		if cfg.Notify.Transport == config.TransportGRPC {
			dialer = notify.NewGRPCDialer(cfg.Notify.GRPCTarget, cfg.Notify.HealthService)
		} else {
			dialer = notify.NewWSDialer(cfg.Notify.URL)
		}
	}

	sinks := []notice.Sink{printer.NewNoticeSink(o.stderr)}
	if cfg.Log.Development {
		sinks = append(sinks, notice.NewLogSink(logger))
	}

	a.session, err = session.New(session.Config{
		Gateway:           gateway,
		Dialer:            dialer,
		Clock:             clk,
		Sinks:             sinks,
		UserID:            cfg.UserID,
		ReconnectDelay:    cfg.Notify.ReconnectDelay,
		TaskPollInterval:  cfg.Poll.TaskInterval,
		TaskPollSafety:    cfg.Poll.TaskSafetyTimeout,
		RegenPollInterval: cfg.Poll.RegenInterval,
		RegenPollSafety:   cfg.Poll.RegenSafetyTimeout,
		RequestTimeout:    cfg.Engine.RequestTimeout,
		Logger:            logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create session: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.Notify.DialTimeout)
	defer cancel()
	if err := a.session.Open(dctx); err != nil {
		// The channel keeps redialing in the background
		logger.Warnw("Push channel unavailable, relying on polling", "error", err)
	}
	return a, nil
}

// serveFakeStream serves the fake engine's pushes over an in-process gRPC
// event stream and returns a dialer for it
func (a *app) serveFakeStream(healthService string) notify.Dialer {
	lis := bufconn.Listen(1 << 20)
	a.stream = grpc.NewServer()
	a.fake.StreamServer().Register(a.stream, healthService)
	go func() {
		if err := a.stream.Serve(lis); err != nil {
			a.logger.Warnw("Fake event stream stopped", "error", err)
		}
	}()

	return notify.NewGRPCDialer("passthrough:///fake-engine", healthService,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

func (a *app) close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	if a.fake != nil {
		a.fake.Close()
	}
	_ = a.logger.Sync()
}

// runApp builds the app and runs fn next to an OS signal handler.
// Whichever finishes first interrupts the other.
func (o *rootOptions) runApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := o.newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				a.logger.Debugw("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Command.
	{
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		g.Add(
			func() error {
				if err := fn(ctx, a); err != nil {
					return fmt.Errorf("%q command failed: %w", cmd.Name(), err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	err = g.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
