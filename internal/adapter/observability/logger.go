package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/taskforge/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Every line carries the
// service and env attrs so logs from the API, workers, and reaper can be
// filtered apart.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// Debug level in dev only.
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
