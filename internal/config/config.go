// Package config loads and validates kugutsushi-search's configuration: the
// retrieval, BM25, vector-index, and chunking tunables, plus the
// embedding/performance/server settings needed to run the CLI. Precedence
// is layered: hardcoded defaults, then a user-global YAML file, then a
// per-corpus project YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete kugutsushi-search configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Paths      PathsConfig      `yaml:"paths" json:"paths"`
	Search     SearchConfig     `yaml:"search" json:"search"`
	BM25       BM25Config       `yaml:"bm25" json:"bm25"`
	Vector     VectorConfig     `yaml:"vector" json:"vector"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`

	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Server      ServerConfig      `yaml:"server" json:"server"`
}

// PathsConfig configures where the corpus's on-disk stores live.
type PathsConfig struct {
	// DataDir holds vector.idx/index_state.json/metadata.db/bm25.db/
	// processed_files.json. Defaults to "embeddings" under the current
	// working directory.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// SearchConfig configures the hybrid retrieval/fusion/rerank pipeline and
// the chunker.
type SearchConfig struct {
	// UseBM25 includes the lexical branch in fusion. Default true.
	UseBM25 bool `yaml:"use_bm25" json:"use_bm25"`
	// UseRerank is the configured cross-encoder rescoring switch. Default
	// true. The search command does not read it: reranking there is
	// selected only by its --mode flag.
	UseRerank bool `yaml:"use_rerank" json:"use_rerank"`
	// RetrievalK is the number of candidates fetched per branch. Default 100.
	RetrievalK int `yaml:"retrieval_k" json:"retrieval_k"`
	// RerankTopK caps how many fused candidates are sent to the reranker.
	// Default 20.
	RerankTopK int `yaml:"rerank_top_k" json:"rerank_top_k"`
	// RerankWeight is the blend weight on the reranker side, in [0,1].
	// Default 0.5.
	RerankWeight float64 `yaml:"rerank_weight" json:"rerank_weight"`
	// RRFConstant is the Reciprocal Rank Fusion smoothing parameter k.
	// Default 60 (the industry-standard value used by Azure AI Search and
	// OpenSearch).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// ChunkSize is the target maximum chunk length in runes. Default 500.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkOverlap is the hard-slice window overlap in runes. Default 50.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

// BM25Config configures the Okapi BM25 scorer and vocabulary pruning.
type BM25Config struct {
	K1    float64 `yaml:"k1" json:"k1"`
	B     float64 `yaml:"b" json:"b"`
	MinDF int     `yaml:"min_df" json:"min_df"`
}

// VectorConfig configures the IVF+PQ ANN index.
type VectorConfig struct {
	NList     int `yaml:"nlist" json:"nlist"`
	M         int `yaml:"m" json:"m"`
	NBits     int `yaml:"nbits" json:"nbits"`
	NProbe    int `yaml:"nprobe" json:"nprobe"`
	KFactorRF int `yaml:"k_factor_rf" json:"k_factor_rf"`
}

// EmbeddingsConfig configures the embedding provider used to vectorize
// chunks at ingest time and queries at search time.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`
}

// PerformanceConfig configures resource usage for ingest and query.
type PerformanceConfig struct {
	IndexWorkers  int `yaml:"index_workers" json:"index_workers"`
	CacheSize     int `yaml:"cache_size" json:"cache_size"`
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// ServerConfig configures process-wide logging.
type ServerConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// NewConfig returns a Config populated with the documented defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: "embeddings",
		},
		Search: SearchConfig{
			UseBM25:      true,
			UseRerank:    true,
			RetrievalK:   100,
			RerankTopK:   20,
			RerankWeight: 0.5,
			RRFConstant:  60,
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
		BM25: BM25Config{
			K1:    1.5,
			B:     0.75,
			MinDF: 2,
		},
		Vector: VectorConfig{
			NList:     256,
			M:         16,
			NBits:     8,
			NProbe:    10,
			KFactorRF: 10,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "", // empty selects Ollama; there is no automatic static fallback
			Model:      "ruri-v3",
			Dimensions: 512,
			BatchSize:  32,
			OllamaHost: "",
		},
		Performance: PerformanceConfig{
			IndexWorkers:  0, // 0 means runtime.NumCPU() at call sites
			CacheSize:     1000,
			SQLiteCacheMB: 64,
		},
		Server: ServerConfig{
			LogLevel: "info",
		},
	}
}

// GetUserConfigPath returns the user/global configuration file path,
// following the XDG Base Directory convention:
//   - $XDG_CONFIG_HOME/kugutsushi-search/config.yaml if set
//   - ~/.config/kugutsushi-search/config.yaml otherwise
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kugutsushi-search", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "kugutsushi-search", "config.yaml")
	}
	return filepath.Join(home, ".config", "kugutsushi-search", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists reports whether the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig loads the user/global configuration file if present.
// A missing file is not an error.
func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("load user config from %s: %w", path, err)
	}
	return cfg, nil
}

// LoadUserConfig loads the user configuration file, returning a nil config
// and nil error if none exists.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// Load builds the effective configuration for a corpus rooted at dir, in
// order of increasing precedence: hardcoded defaults, user/global config,
// project config (.kugutsushi-search.yaml in dir), then KUGUTSUSHI_*
// environment variables.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, err
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".kugutsushi-search.yaml", ".kugutsushi-search.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith overlays non-zero-valued fields of other onto c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}

	if other.Search.RetrievalK != 0 {
		c.Search.RetrievalK = other.Search.RetrievalK
	}
	if other.Search.RerankTopK != 0 {
		c.Search.RerankTopK = other.Search.RerankTopK
	}
	if other.Search.RerankWeight != 0 {
		c.Search.RerankWeight = other.Search.RerankWeight
	}
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.ChunkSize != 0 {
		c.Search.ChunkSize = other.Search.ChunkSize
	}
	if other.Search.ChunkOverlap != 0 {
		c.Search.ChunkOverlap = other.Search.ChunkOverlap
	}

	if other.BM25.K1 != 0 {
		c.BM25.K1 = other.BM25.K1
	}
	if other.BM25.B != 0 {
		c.BM25.B = other.BM25.B
	}
	if other.BM25.MinDF != 0 {
		c.BM25.MinDF = other.BM25.MinDF
	}

	if other.Vector.NList != 0 {
		c.Vector.NList = other.Vector.NList
	}
	if other.Vector.M != 0 {
		c.Vector.M = other.Vector.M
	}
	if other.Vector.NBits != 0 {
		c.Vector.NBits = other.Vector.NBits
	}
	if other.Vector.NProbe != 0 {
		c.Vector.NProbe = other.Vector.NProbe
	}
	if other.Vector.KFactorRF != 0 {
		c.Vector.KFactorRF = other.Vector.KFactorRF
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.BatchSize != 0 {
		c.Embeddings.BatchSize = other.Embeddings.BatchSize
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}

	if other.Performance.IndexWorkers != 0 {
		c.Performance.IndexWorkers = other.Performance.IndexWorkers
	}
	if other.Performance.CacheSize != 0 {
		c.Performance.CacheSize = other.Performance.CacheSize
	}
	if other.Performance.SQLiteCacheMB != 0 {
		c.Performance.SQLiteCacheMB = other.Performance.SQLiteCacheMB
	}

	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
}

// applyEnvOverrides applies KUGUTSUSHI_* environment variable overrides,
// the highest-precedence layer per Load's documented order.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KUGUTSUSHI_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("KUGUTSUSHI_RETRIEVAL_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.RetrievalK = n
		}
	}
	if v := os.Getenv("KUGUTSUSHI_RERANK_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.RerankTopK = n
		}
	}
	if v := os.Getenv("KUGUTSUSHI_RERANK_WEIGHT"); v != "" {
		if f, err := parseFloat64(v); err == nil && f >= 0 && f <= 1 {
			c.Search.RerankWeight = f
		}
	}
	if v := os.Getenv("KUGUTSUSHI_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Search.RRFConstant = n
		}
	}
	if v := os.Getenv("KUGUTSUSHI_USE_BM25"); v != "" {
		c.Search.UseBM25 = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("KUGUTSUSHI_USE_RERANK"); v != "" {
		c.Search.UseRerank = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("KUGUTSUSHI_MIN_DF"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BM25.MinDF = n
		}
	}
	if v := os.Getenv("KUGUTSUSHI_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("KUGUTSUSHI_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("KUGUTSUSHI_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
}

func parseFloat64(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

// Validate checks that the configuration is internally consistent. PQ's
// subvector split requires Embeddings.Dimensions to be divisible by
// Vector.M.
func (c *Config) Validate() error {
	if c.Search.RerankWeight < 0 || c.Search.RerankWeight > 1 {
		return fmt.Errorf("rerank_weight must be between 0 and 1, got %f", c.Search.RerankWeight)
	}
	if c.Search.RetrievalK <= 0 {
		return fmt.Errorf("retrieval_k must be positive, got %d", c.Search.RetrievalK)
	}
	if c.Search.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.Search.ChunkSize)
	}
	if c.Search.ChunkOverlap < 0 || c.Search.ChunkOverlap >= c.Search.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.Search.ChunkOverlap)
	}
	if c.BM25.K1 <= 0 {
		return fmt.Errorf("bm25.k1 must be positive, got %f", c.BM25.K1)
	}
	if c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("bm25.b must be between 0 and 1, got %f", c.BM25.B)
	}
	if c.Vector.M <= 0 {
		return fmt.Errorf("vector.m must be positive, got %d", c.Vector.M)
	}
	if c.Embeddings.Dimensions != 0 && c.Embeddings.Dimensions%c.Vector.M != 0 {
		return fmt.Errorf("embeddings.dimensions (%d) must be divisible by vector.m (%d)",
			c.Embeddings.Dimensions, c.Vector.M)
	}
	if c.Vector.NList <= 0 {
		return fmt.Errorf("vector.nlist must be positive, got %d", c.Vector.NList)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be debug, info, warn, or error, got %s", c.Server.LogLevel)
	}
	return nil
}

// TrainingThreshold returns nlist*39, the minimum vector count before the
// IVF+PQ index promotes out of temp (exact) mode.
func (c *Config) TrainingThreshold() int {
	return c.Vector.NList * 39
}

// WriteYAML marshals the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// FindCorpusRoot walks up from startDir looking for an existing data
// directory or project config file, falling back to startDir itself.
func FindCorpusRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	dir := absDir
	for {
		if dirExists(filepath.Join(dir, "embeddings")) ||
			fileExists(filepath.Join(dir, ".kugutsushi-search.yaml")) ||
			fileExists(filepath.Join(dir, ".kugutsushi-search.yml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return absDir, nil
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
