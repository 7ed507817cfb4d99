package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "CONFIG_FILE", "CHUNK_SIZE", "CHUNK_OVERLAP", "EMBED_BATCH_SIZE", "RAG_TOP_K",
		"CRAWL_MAX_PAGES", "CRAWL_DEPTH", "MANIFEST_BACKEND", "HOST_DOMAIN_WHITELIST", "EMBEDDING_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 900 || cfg.ChunkOverlap != 150 {
		t.Fatalf("expected chunk defaults 900/150, got %d/%d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if cfg.EmbedBatchSize != 40 {
		t.Fatalf("expected embed batch size 40, got %d", cfg.EmbedBatchSize)
	}
	if cfg.RAGTopK != 5 {
		t.Fatalf("expected top k 5, got %d", cfg.RAGTopK)
	}
	if cfg.CrawlMaxPages != 30 || cfg.CrawlDepth != 1 {
		t.Fatalf("expected crawl defaults 30/1, got %d/%d", cfg.CrawlMaxPages, cfg.CrawlDepth)
	}
	if cfg.ManifestBackend != "file" {
		t.Fatalf("expected file manifest backend, got %q", cfg.ManifestBackend)
	}
	if len(cfg.HostDomainWhitelist) != 0 {
		t.Fatalf("expected empty whitelist, got %v", cfg.HostDomainWhitelist)
	}
	if cfg.EmbeddingTimeout != 120*time.Second {
		t.Fatalf("expected embedding timeout 120s, got %s", cfg.EmbeddingTimeout)
	}
}

func TestLoadParsesEnvOverrides(t *testing.T) {
	clearEnv(t, "CONFIG_FILE")
	t.Setenv("CHUNK_SIZE", "500")
	t.Setenv("CHUNK_OVERLAP", "50")
	t.Setenv("HOST_DOMAIN_WHITELIST", "example.com, docs.example.org ,")
	t.Setenv("CRAWL_PRUNE_MISSING", "true")
	t.Setenv("CRAWL_REQUESTS_PER_SECOND", "0.5")
	t.Setenv("EMBEDDING_TIMEOUT", "30")
	t.Setenv("CRAWL_TIMEOUT", "2s")
	t.Setenv("MANIFEST_BACKEND", "Postgres")
	t.Setenv("RAG_TOP_K", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 500 || cfg.ChunkOverlap != 50 {
		t.Fatalf("expected chunk overrides 500/50, got %d/%d", cfg.ChunkSize, cfg.ChunkOverlap)
	}
	if len(cfg.HostDomainWhitelist) != 2 || cfg.HostDomainWhitelist[1] != "docs.example.org" {
		t.Fatalf("unexpected whitelist %v", cfg.HostDomainWhitelist)
	}
	if !cfg.CrawlPruneMissing {
		t.Fatalf("expected prune missing enabled")
	}
	if cfg.CrawlRequestsPerSecond != 0.5 {
		t.Fatalf("expected 0.5 rps, got %v", cfg.CrawlRequestsPerSecond)
	}
	if cfg.EmbeddingTimeout != 30*time.Second || cfg.CrawlTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts %s/%s", cfg.EmbeddingTimeout, cfg.CrawlTimeout)
	}
	if cfg.ManifestBackend != "postgres" {
		t.Fatalf("expected lowercased backend, got %q", cfg.ManifestBackend)
	}
	if cfg.RAGTopK != 5 {
		t.Fatalf("expected invalid top k to fall back to 5, got %d", cfg.RAGTopK)
	}
}

func TestLoadAppliesFileBeforeEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexer.yaml")
	content := "chunk_size: 1200\nchunk_overlap: 100\nembedding_provider: ollama\nhost_domain_whitelist:\n  - example.com\ncrawl_timeout: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	clearEnv(t, "CHUNK_SIZE", "EMBEDDING_PROVIDER", "HOST_DOMAIN_WHITELIST", "CRAWL_TIMEOUT")
	t.Setenv("CHUNK_OVERLAP", "80")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 1200 {
		t.Fatalf("expected chunk size from file, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap != 80 {
		t.Fatalf("expected env to override file overlap, got %d", cfg.ChunkOverlap)
	}
	if cfg.EmbeddingProvider != "ollama" {
		t.Fatalf("expected provider from file, got %q", cfg.EmbeddingProvider)
	}
	if len(cfg.HostDomainWhitelist) != 1 || cfg.HostDomainWhitelist[0] != "example.com" {
		t.Fatalf("unexpected whitelist %v", cfg.HostDomainWhitelist)
	}
	if cfg.CrawlTimeout != 5*time.Second {
		t.Fatalf("expected crawl timeout from file, got %s", cfg.CrawlTimeout)
	}
	if cfg.RAGTopK != 5 {
		t.Fatalf("expected untouched default top k, got %d", cfg.RAGTopK)
	}
}

func TestLoadMissingFileIsConfigurationError(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := defaults()
	valid.EmbeddingAPIKey = "sk-test"
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected defaults with key to validate, got %v", err)
	}

	ollama := defaults()
	ollama.EmbeddingProvider = "ollama"
	if err := ollama.Validate(); err != nil {
		t.Fatalf("ollama needs no key, got %v", err)
	}

	cases := map[string]func(*Config){
		"overlap not below size": func(c *Config) { c.ChunkOverlap = c.ChunkSize },
		"missing api key":        func(c *Config) { c.EmbeddingAPIKey = "" },
		"negative dimension":     func(c *Config) { c.EmbeddingDimension = -1 },
		"unknown provider":       func(c *Config) { c.EmbeddingProvider = "bert" },
		"unknown backend":        func(c *Config) { c.ManifestBackend = "sqlite" },
		"zero batch":             func(c *Config) { c.EmbedBatchSize = 0 },
		"negative depth":         func(c *Config) { c.CrawlDepth = -1 },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		err := cfg.Validate()
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}
