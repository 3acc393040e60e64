package cli

import (
	"fmt"
	"strings"

	"github.com/zeromicro/go-zero/core/logx"

	"aodp-ingest/internal/config"
	"aodp-ingest/pkg/confkit"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Environment: %s", cfg.Env),
		storeLine(cfg.Store),
		fmt.Sprintf("Catalog cache TTL: %ds", cfg.TTL.Catalog),
		sectionLine("Ingest config", cfg.Ingest),
	}
	if ic := cfg.Ingest.Value; ic != nil {
		lines = append(lines,
			fmt.Sprintf("Dump index: %s", ic.IndexURL),
			fmt.Sprintf("Download dir: %s", ic.DownloadDir),
			fmt.Sprintf("Snapshots per run / parallel downloads: %d / %d", ic.MaxSnapshots, ic.ParallelDownloads),
			fmt.Sprintf("Cleanup after import: %t", ic.Cleanup()),
			fmt.Sprintf("Run journal: %s", presence(ic.JournalDir != "")),
		)
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

func storeLine(s config.StoreConf) string {
	if s.Engine == config.EnginePostgres {
		return fmt.Sprintf("Store: postgres (%s)", presence(strings.TrimSpace(s.DSN) != ""))
	}
	return fmt.Sprintf("Store: %s at %s", s.Engine, s.Path)
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: defaults", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
