package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chaz8081/gostt-daemon/internal/cache"
	"github.com/chaz8081/gostt-daemon/internal/config"
	"github.com/chaz8081/gostt-daemon/internal/daemon"
	"github.com/chaz8081/gostt-daemon/internal/diag"
	"github.com/chaz8081/gostt-daemon/internal/dispatch"
	"github.com/chaz8081/gostt-daemon/internal/engine/whisper"
	"github.com/chaz8081/gostt-daemon/internal/models"
	"github.com/chaz8081/gostt-daemon/internal/transcribe"
)

type serveFlags struct {
	model      string
	modelsDir  string
	threads    int
	logLevel   string
	noDownload bool
}

func (f *serveFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.model, "model", "", "default model id when a request names none")
	fs.StringVar(&f.modelsDir, "models-dir", "", "directory holding ggml model files")
	fs.IntVar(&f.threads, "threads", 0, "CPU threads per transcription")
	fs.StringVar(&f.logLevel, "log-level", "", "diagnostic level: debug, info, warn or error")
	fs.BoolVar(&f.noDownload, "no-download", false, "never fetch missing models")
}

// apply overrides cfg with the flags the user actually set.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("model") {
		cfg.DefaultModel = f.model
	}
	if fs.Changed("models-dir") {
		cfg.ModelsDir = config.ExpandTilde(f.modelsDir)
	}
	if fs.Changed("threads") {
		cfg.Threads = f.threads
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if f.noDownload {
		cfg.AutoDownload = false
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon on stdin/stdout (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, source, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			return serve(cmd, cfg, source)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// serve wires the daemon together and runs it until input ends, a shutdown
// request arrives or the process is signalled. Nothing but responses may be
// written to stdout from here on.
func serve(cmd *cobra.Command, cfg *config.Config, source string) error {
	sink := diag.NewLogger(cmd.ErrOrStderr(), config.ParseLogLevel(cfg.LogLevel))
	logConfig(sink, cfg, source)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := models.NewStore(cfg.ModelsDir, models.StoreOptions{
		AutoDownload: cfg.AutoDownload,
		OnProgress:   models.EveryPercent(10, downloadReporter(sink)),
	})
	c := cache.New(whisper.New(ctx, store), cfg.Threads, sink)
	disp := dispatch.New(c, transcribe.NewInvoker(sink), sink, dispatch.Options{
		DefaultModel:    cfg.DefaultModel,
		DefaultLanguage: cfg.DefaultLanguage,
	})
	d := daemon.New(disp, sink, daemon.Options{MaxRequestBytes: cfg.MaxRequestBytes})

	return d.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}

// logConfig reports the effective configuration as a debug event.
func logConfig(sink diag.Sink, cfg *config.Config, source string) {
	sink.Emit(diag.Debug("Configuration loaded").
		With("source", source).
		With("models_dir", cfg.ModelsDir).
		With("default_model", cfg.DefaultModel).
		With("default_language", cfg.DefaultLanguage).
		With("threads", cfg.Threads).
		With("auto_download", cfg.AutoDownload))
}

func downloadReporter(sink diag.Sink) func(models.Progress) {
	return func(p models.Progress) {
		switch {
		case p.Done:
			sink.Emit(diag.Info(fmt.Sprintf("Model '%s' downloaded", p.ID)).With("model", p.ID).With("bytes", p.Written))
		case p.Total > 0:
			pct := p.Written * 100 / p.Total
			sink.Emit(diag.Info(fmt.Sprintf("Downloading model '%s': %d%%", p.ID, pct)).With("model", p.ID).With("bytes", p.Written))
		default:
			sink.Emit(diag.Info(fmt.Sprintf("Downloading model '%s': %.1f MB", p.ID, float64(p.Written)/(1024*1024))).With("model", p.ID))
		}
	}
}
