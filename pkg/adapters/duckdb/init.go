package duckdb

import (
	"log/slog"

	"github.com/saudedata-br/sinasc-pipeline/pkg/adapter"
)

func init() {
	adapter.Register("duckdb", func(logger *slog.Logger) adapter.Adapter {
		return New(logger)
	})
}
