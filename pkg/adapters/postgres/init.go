package postgres

import (
	"log/slog"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

func init() {
	adapter.Register("postgres", func(logger *slog.Logger) adapter.Adapter {
		return New(logger)
	})
}
