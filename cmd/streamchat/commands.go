// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/streamchat/cmd/streamchat/config"
	"github.com/AleutianAI/streamchat/pkg/archive"
	"github.com/AleutianAI/streamchat/pkg/auth"
	"github.com/AleutianAI/streamchat/pkg/datatypes"
	"github.com/AleutianAI/streamchat/pkg/feedback"
	"github.com/AleutianAI/streamchat/pkg/history"
	"github.com/AleutianAI/streamchat/pkg/logging"
	"github.com/AleutianAI/streamchat/pkg/observability"
	"github.com/AleutianAI/streamchat/pkg/session"
	"github.com/AleutianAI/streamchat/pkg/stubserver"
	"github.com/AleutianAI/streamchat/pkg/transport"
	"github.com/AleutianAI/streamchat/pkg/upload"
)

var (
	// persistent flags
	configPath  string
	logLevel    string
	traceStdout bool
	ephemeral   bool

	loginUsername string

	historyFollow bool
	historyYes    bool
	archiveBucket string

	stubAddr     string
	stubAnswer   string
	stubChunk    int
	stubRate     float64
	stubUsername string
	stubPassword string

	// set up by rootCmd.PersistentPreRunE
	cfg               config.StreamchatConfig
	logger            *logging.Logger
	shutdownTelemetry func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:           "streamchat",
	Short:         "Chat with a streaming answer service from the terminal",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	RunE:  runChat,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload a document to the service",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check credentials against the service",
	RunE:  runLogin,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or manage the persisted conversation",
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the persisted conversation",
	RunE:  runHistoryShow,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the persisted conversation",
	RunE:  runHistoryClear,
}

var historyArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy the persisted conversation to Google Cloud Storage",
	RunE:  runHistoryArchive,
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run a local stand-in for the chat service",
	RunE:  runStub,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.streamchat/streamchat.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&traceStdout, "trace", false, "Print a span per streamed answer to stderr")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "Keep history in memory only")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(uploadCmd)

	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "Username (prompted when empty)")

	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyShowCmd.Flags().BoolVarP(&historyFollow, "follow", "f", false, "Keep printing as another session updates the history")
	historyCmd.AddCommand(historyClearCmd)
	historyClearCmd.Flags().BoolVarP(&historyYes, "yes", "y", false, "Do not ask for confirmation")
	historyCmd.AddCommand(historyArchiveCmd)
	historyArchiveCmd.Flags().StringVar(&archiveBucket, "bucket", "", "GCS bucket (default from config)")

	rootCmd.AddCommand(stubCmd)
	stubCmd.Flags().StringVar(&stubAddr, "addr", "127.0.0.1:12210", "Listen address")
	stubCmd.Flags().StringVar(&stubAnswer, "answer", "", "Fixed answer (default: echo the query)")
	stubCmd.Flags().IntVar(&stubChunk, "chunk", 4, "Runes per content frame")
	stubCmd.Flags().Float64Var(&stubRate, "rate", 20, "Content frames per second (0 = unpaced)")
	stubCmd.Flags().StringVar(&stubUsername, "username", "", "Username /auth/login accepts")
	stubCmd.Flags().StringVar(&stubPassword, "password", "", "Password /auth/login accepts")
}

// =============================================================================
// Setup
// =============================================================================

func setup(cmd *cobra.Command) error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg = config.Global
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if traceStdout {
		cfg.Telemetry.Traces = observability.ExporterStdout
	}
	if ephemeral {
		cfg.History.Backend = "memory"
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "streamchat",
		JSON:    cfg.Logging.JSON,
	})

	tc := observability.DefaultTelemetryConfig()
	tc.TraceExporter = cfg.Telemetry.Traces
	tc.MetricExporter = cfg.Telemetry.Metrics
	tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tc.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tc.Writer = cmd.ErrOrStderr()
	shutdownTelemetry, err = observability.InitTelemetry(cmd.Context(), tc)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	return nil
}

func teardown() error {
	var errs []error
	if shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, shutdownTelemetry(ctx))
	}
	if logger != nil {
		errs = append(errs, logger.Close())
	}
	return errors.Join(errs...)
}

// openStore builds the configured history backend. The returned close func
// is never nil.
func openStore(c config.StreamchatConfig, log *slog.Logger) (history.Store, string, func() error, error) {
	noop := func() error { return nil }
	if c.History.Backend == "memory" {
		return history.NewMemoryStore(), "", noop, nil
	}

	dir := logging.ExpandPath(c.History.Dir)
	scope, err := config.ScopeID(dir)
	if err != nil {
		return nil, "", noop, err
	}

	switch c.History.Backend {
	case "badger":
		bc := history.DefaultBadgerConfig(filepath.Join(dir, "badger"))
		bc.Logger = log
		db, err := history.OpenBadger(bc)
		if err != nil {
			return nil, "", noop, err
		}
		store, err := history.NewBadgerStore(db, scope, log)
		if err != nil {
			_ = db.Close()
			return nil, "", noop, err
		}
		return store, scope, db.Close, nil
	default:
		store, err := history.NewFileStore(dir, scope, log)
		if err != nil {
			return nil, "", noop, err
		}
		return store, scope, noop, nil
	}
}

// =============================================================================
// chat
// =============================================================================

func runChat(cmd *cobra.Command, args []string) error {
	log := logger.Slog()
	store, _, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	streamURL, err := cfg.StreamURL()
	if err != nil {
		return err
	}

	metrics := observability.NewStreamMetrics(prometheus.DefaultRegisterer)
	latency, err := observability.NewStreamLatency(observability.Meter())
	if err != nil {
		return err
	}

	var recorder observability.StreamRecorder
	if ic := cfg.Telemetry.Influx; ic.URL != "" {
		influx, closeInflux := observability.DialInflux(observability.InfluxConfig{
			URL:    ic.URL,
			Token:  os.Getenv(ic.TokenEnv),
			Org:    ic.Org,
			Bucket: ic.Bucket,
		}, log)
		defer closeInflux()
		recorder = influx
	}

	runner := newChatRunner(chatRunnerConfig{
		Opener:        session.DialerOpener(transport.NewDialer(transport.Config{URL: streamURL, Logger: log})),
		Store:         store,
		Forwarder:     feedback.NewHTTPForwarder(cfg.Server.BaseURL, nil),
		Uploader:      upload.NewClient(upload.ClientConfig{BaseURL: cfg.Server.BaseURL, Logger: log, Metrics: metrics}),
		Logger:        log,
		Metrics:       metrics,
		Latency:       latency,
		Recorder:      recorder,
		StallTimeout:  cfg.Session.StallTimeout,
		StatusDisplay: cfg.Upload.StatusDisplay,
		MetricsAddr:   cfg.Telemetry.MetricsAddr,
		Gatherer:      prometheus.DefaultGatherer,
		Input:         NewInputReader(50),
		Out:           cmd.OutOrStdout(),
	})
	return runner.Run(cmd.Context())
}

// =============================================================================
// upload
// =============================================================================

func runUpload(cmd *cobra.Command, args []string) error {
	client := upload.NewClient(upload.ClientConfig{BaseURL: cfg.Server.BaseURL, Logger: logger.Slog()})
	status, err := client.UploadFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), status.Text)
	if !status.OK {
		return errors.New("upload failed")
	}
	return nil
}

// =============================================================================
// login
// =============================================================================

func runLogin(cmd *cobra.Command, args []string) error {
	username, password, err := promptCredentials(loginUsername)
	if err != nil {
		return err
	}
	client := auth.NewClient(auth.Config{BaseURL: cfg.Server.BaseURL, Logger: logger.Slog()})
	if err := client.Login(cmd.Context(), username, password); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ Logged in")
	return nil
}

// promptCredentials asks for whatever is missing. On a terminal the password
// is read without echo; otherwise it is the next line of stdin.
func promptCredentials(username string) (string, []byte, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		r := NewLineReader(os.Stdin)
		if username == "" {
			u, err := r.ReadLine()
			if err != nil {
				return "", nil, fmt.Errorf("read username: %w", err)
			}
			username = u
		}
		p, err := r.ReadLine()
		if err != nil {
			return "", nil, fmt.Errorf("read password: %w", err)
		}
		return username, []byte(p), nil
	}

	var password string
	fields := []huh.Field{}
	if username == "" {
		fields = append(fields, huh.NewInput().Title("Username").Value(&username))
	}
	fields = append(fields, huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password))
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", nil, err
	}
	return username, []byte(password), nil
}

// =============================================================================
// history
// =============================================================================

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, _, closeStore, err := openStore(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer closeStore()

	render := newChatRenderer(cmd.OutOrStdout())
	turns, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}
	render.turns(turns)
	if !historyFollow {
		return nil
	}

	fs, ok := store.(*history.FileStore)
	if !ok {
		return fmt.Errorf("--follow needs the file history backend, not %q", cfg.History.Backend)
	}
	err = fs.Watch(cmd.Context(), func(turns []datatypes.Turn) {
		render.notice("── %d turns ──", len(turns))
		render.turns(turns)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runHistoryClear(cmd *cobra.Command, args []string) error {
	if !historyYes {
		if !isatty.IsTerminal(os.Stdin.Fd()) {
			return errors.New("refusing to clear history without --yes")
		}
		var ok bool
		confirm := huh.NewConfirm().
			Title("Delete the saved conversation?").
			Affirmative("Delete").
			Negative("Keep").
			Value(&ok)
		if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	store, _, closeStore, err := openStore(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
	return nil
}

func runHistoryArchive(cmd *cobra.Command, args []string) error {
	store, scope, closeStore, err := openStore(cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer closeStore()
	if scope == "" {
		return errors.New("nothing to archive from the memory backend")
	}

	turns, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}

	bucket := archiveBucket
	if bucket == "" {
		bucket = cfg.Archive.Bucket
	}
	a, err := archive.New(cmd.Context(), archive.Config{
		Bucket:          bucket,
		Prefix:          cfg.Archive.Prefix,
		CredentialsFile: logging.ExpandPath(cfg.Archive.CredentialsFile),
		Logger:          logger.Slog(),
	})
	if err != nil {
		return err
	}
	defer a.Close()

	url, err := a.Archive(cmd.Context(), scope, turns)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived %d turns to %s\n", len(turns), url)
	return nil
}

// =============================================================================
// stub
// =============================================================================

func runStub(cmd *cobra.Command, args []string) error {
	log := logger.Slog()
	sc := stubserver.Config{
		ChunkSize:       stubChunk,
		ChunksPerSecond: stubRate,
		Username:        stubUsername,
		Password:        stubPassword,
		Gatherer:        prometheus.DefaultGatherer,
		Logger:          log,
	}
	if stubAnswer != "" {
		sc.Responder = stubserver.FixedResponder(stubAnswer)
	}
	srv := &http.Server{
		Addr:              stubAddr,
		Handler:           stubserver.New(sc).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("stub server listening", "addr", stubAddr)
	fmt.Fprintf(cmd.OutOrStdout(), "stub chat service on http://%s (Ctrl+C to stop)\n", stubAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
