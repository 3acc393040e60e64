package cache

import (
	"strings"
	"time"

	"aodp-ingest/internal/config"
)

// Namespace is the key prefix for every cached payload of the application.
const Namespace = "aodp"

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Catalog time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Catalog: durationOrDefault(cfg.Catalog, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// CatalogListingKey caches the parsed snapshot listing of one index URL.
func CatalogListingKey(indexURL string) string {
	return formatKey("catalog", "listing", strings.TrimSuffix(indexURL, "/"))
}
