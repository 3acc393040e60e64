package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"aodp-ingest/internal/config"
)

func TestNewTTLSet(t *testing.T) {
	assert.Equal(t, 5*time.Minute, NewTTLSet(config.CacheTTL{}).Catalog)
	assert.Equal(t, 30*time.Second, NewTTLSet(config.CacheTTL{Catalog: 30}).Catalog)
	assert.Zero(t, NewTTLSet(config.CacheTTL{Catalog: -1}).Catalog)
}

func TestCatalogListingKey(t *testing.T) {
	assert.Equal(t, "aodp:catalog:listing:https://dumps.example/db", CatalogListingKey("https://dumps.example/db/"))
	assert.Equal(t, CatalogListingKey("http://x/"), CatalogListingKey("http://x"))
}
