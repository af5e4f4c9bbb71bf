// Package config loads marginalia's configuration from layered
// sources: hardcoded defaults, a user config file, a project config
// file, then environment variable overrides, in increasing order of
// precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the complete marginalia configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir" json:"data_dir"`
	Chunk      ChunkConfig      `yaml:"chunk" json:"chunk"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Embedding  EmbeddingConfig  `yaml:"embedding" json:"embedding"`
	Completion CompletionConfig `yaml:"completion" json:"completion"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
}

// ChunkConfig configures the chunker (spec.md §4.1).
type ChunkConfig struct {
	Size    int `yaml:"size" json:"size"`
	Overlap int `yaml:"overlap" json:"overlap"`
}

// StoreConfig configures the persistent store's admission discipline
// and diagnostics (spec.md §4.3). SlowQueryThresholdMS is loaded,
// merged and validated but not passed to the store, which logs
// operations slower than its own fixed 100 ms threshold.
type StoreConfig struct {
	ReaderGateWidth      int `yaml:"reader_gate_width" json:"reader_gate_width"`
	SlowQueryThresholdMS int `yaml:"slow_query_threshold_ms" json:"slow_query_threshold_ms"`
}

// EmbeddingConfig configures the embedding client (spec.md §4.4).
// TimeoutSeconds is loaded and merged but not passed to the embedder;
// embedding calls use the embed package's fixed timeouts.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider" json:"provider"`
	URL            string `yaml:"url" json:"url"`
	Model          string `yaml:"model" json:"model"`
	Dimensions     int    `yaml:"dimensions" json:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// CompletionConfig configures the completion client consumed by the
// retrieval orchestrator's Answer operation.
type CompletionConfig struct {
	URL   string `yaml:"url" json:"url"`
	Model string `yaml:"model" json:"model"`
}

// CacheConfig holds the query-embedding cache setting (spec.md §4.5).
// QueryEmbeddingCapacity is loaded, merged and validated but not passed
// to the cache: querycache.New always bounds the cache at
// querycache.Capacity entries.
type CacheConfig struct {
	QueryEmbeddingCapacity int `yaml:"query_embedding_capacity" json:"query_embedding_capacity"`
}

// NewConfig returns a Config populated with the defaults from spec.md §6.
func NewConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Chunk: ChunkConfig{
			Size:    500,
			Overlap: 50,
		},
		Store: StoreConfig{
			ReaderGateWidth:      10,
			SlowQueryThresholdMS: 100,
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			URL:            "http://localhost:8000",
			Model:          "nomic-embed-text",
			Dimensions:     768,
			TimeoutSeconds: 30,
		},
		Completion: CompletionConfig{
			URL:   "http://localhost:11434",
			Model: "llama3.2:3b",
		},
		Cache: CacheConfig{
			QueryEmbeddingCapacity: 20,
		},
	}
}

// defaultDataDir returns ~/.marginalia, falling back to a temp
// directory if the home directory cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".marginalia")
	}
	return filepath.Join(home, ".marginalia")
}

// GetUserConfigPath returns the path to the user/global configuration
// file, following the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/marginalia/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/marginalia/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "marginalia", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "marginalia", "config.yaml")
	}
	return filepath.Join(home, ".config", "marginalia", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if it
// exists. Returns a nil config and nil error if the file is absent.
func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file. Returns a nil
// config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load loads configuration from projectDir, applying sources in order
// of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/marginalia/config.yaml)
//  3. Project config (.marginalia.yaml in projectDir)
//  4. Environment variables (MARGINALIA_*)
func Load(projectDir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(projectDir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWithOverride behaves like Load, except when explicitPath is
// non-empty: that file is loaded in place of project-directory
// discovery, letting callers (the --config flag) point at a config
// file outside the project directory.
func LoadWithOverride(projectDir, explicitPath string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if explicitPath != "" {
		if err := cfg.loadYAML(explicitPath); err != nil {
			return nil, err
		}
	} else if err := cfg.loadFromFile(projectDir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile attempts to load configuration from .marginalia.yaml
// or .marginalia.yml in dir. Absence of either is not an error.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".marginalia.yaml")
	if fileExists(yamlPath) {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".marginalia.yml")
	if fileExists(ymlPath) {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML loads and merges configuration from a YAML file at path.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays every non-zero field of other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}

	if other.Chunk.Size != 0 {
		c.Chunk.Size = other.Chunk.Size
	}
	if other.Chunk.Overlap != 0 {
		c.Chunk.Overlap = other.Chunk.Overlap
	}

	if other.Store.ReaderGateWidth != 0 {
		c.Store.ReaderGateWidth = other.Store.ReaderGateWidth
	}
	if other.Store.SlowQueryThresholdMS != 0 {
		c.Store.SlowQueryThresholdMS = other.Store.SlowQueryThresholdMS
	}

	if other.Embedding.Provider != "" {
		c.Embedding.Provider = other.Embedding.Provider
	}
	if other.Embedding.URL != "" {
		c.Embedding.URL = other.Embedding.URL
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dimensions != 0 {
		c.Embedding.Dimensions = other.Embedding.Dimensions
	}
	if other.Embedding.TimeoutSeconds != 0 {
		c.Embedding.TimeoutSeconds = other.Embedding.TimeoutSeconds
	}

	if other.Completion.URL != "" {
		c.Completion.URL = other.Completion.URL
	}
	if other.Completion.Model != "" {
		c.Completion.Model = other.Completion.Model
	}

	if other.Cache.QueryEmbeddingCapacity != 0 {
		c.Cache.QueryEmbeddingCapacity = other.Cache.QueryEmbeddingCapacity
	}
}

// applyEnvOverrides applies MARGINALIA_* environment variable
// overrides, the highest-precedence configuration source.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MARGINALIA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MARGINALIA_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chunk.Size = n
		}
	}
	if v := os.Getenv("MARGINALIA_CHUNK_OVERLAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Chunk.Overlap = n
		}
	}
	if v := os.Getenv("MARGINALIA_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	// MARGINALIA_OLLAMA_HOST is an alias for MARGINALIA_EMBEDDING_URL,
	// matching the teacher's convention of an Ollama-specific env var
	// alongside the generic one.
	if v := os.Getenv("MARGINALIA_OLLAMA_HOST"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("MARGINALIA_EMBEDDING_URL"); v != "" {
		c.Embedding.URL = v
	}
	if v := os.Getenv("MARGINALIA_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("MARGINALIA_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("MARGINALIA_COMPLETION_URL"); v != "" {
		c.Completion.URL = v
	}
	if v := os.Getenv("MARGINALIA_COMPLETION_MODEL"); v != "" {
		c.Completion.Model = v
	}
	if v := os.Getenv("MARGINALIA_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.QueryEmbeddingCapacity = n
		}
	}
}

// Validate checks the configuration for values that would produce
// nonsensical runtime behavior.
func (c *Config) Validate() error {
	if c.Chunk.Size <= 0 {
		return fmt.Errorf("chunk.size must be positive, got %d", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 {
		return fmt.Errorf("chunk.overlap must be non-negative, got %d", c.Chunk.Overlap)
	}
	if c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("chunk.overlap must be smaller than chunk.size, got overlap=%d size=%d", c.Chunk.Overlap, c.Chunk.Size)
	}
	if c.Store.ReaderGateWidth <= 0 {
		return fmt.Errorf("store.reader_gate_width must be positive, got %d", c.Store.ReaderGateWidth)
	}

	if c.Embedding.Provider == "" {
		return fmt.Errorf("embedding.provider must not be empty")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Cache.QueryEmbeddingCapacity <= 0 {
		return fmt.Errorf("cache.query_embedding_capacity must be positive, got %d", c.Cache.QueryEmbeddingCapacity)
	}

	return nil
}

// WriteYAML writes the configuration to path as YAML.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DatabasePath returns the path to the marginalia SQLite database
// file within the configured data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "marginalia.db")
}

// LogPath returns the path to the marginalia log file within the
// configured data directory.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "marginalia.log")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
