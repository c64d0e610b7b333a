package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectType represents the type of project detected.
type ProjectType string

const (
	ProjectTypeGo      ProjectType = "go"
	ProjectTypeNode    ProjectType = "node"
	ProjectTypePython  ProjectType = "python"
	ProjectTypeUnknown ProjectType = "unknown"
)

// Config represents the complete configuration for indexing a workspace.
// It mirrors the external-interfaces configuration table: what to index,
// how aggressively to batch and parallelize, and where caches live.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Indexing    IndexingConfig    `yaml:"indexing" json:"indexing"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings" json:"embeddings"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Submodules  SubmoduleConfig   `yaml:"submodules" json:"submodules"`
}

// IndexingConfig decides which files are indexable.
// A path is indexable iff its extension is in IncludeExtensions, none of
// ExcludePatterns matches any path segment, and its size is at most
// MaxFileSize.
type IndexingConfig struct {
	IncludeExtensions []string `yaml:"include_extensions" json:"include_extensions"`
	ExcludePatterns   []string `yaml:"exclude_patterns" json:"exclude_patterns"`
	MaxFileSize       int64    `yaml:"max_file_size" json:"max_file_size"`
	MaxChunkTokens    int      `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
}

// PerformanceConfig tunes batching and concurrency for a refresh.
type PerformanceConfig struct {
	// FileBatchSize is the number of files processed between cancellation
	// checks during a refresh.
	FileBatchSize int `yaml:"file_batch_size" json:"file_batch_size"`
	// EmbeddingBatchSize is the number of chunks sent per embedding call.
	EmbeddingBatchSize int `yaml:"embedding_batch_size" json:"embedding_batch_size"`
	// EmbeddingConcurrency is the number of parallel embedding requests
	// allowed per workspace. Clamped to [1, 1000].
	EmbeddingConcurrency int `yaml:"embedding_concurrency" json:"embedding_concurrency"`
	// ScanSlots bounds how many workspaces may run their scan phase
	// concurrently across the process.
	ScanSlots int `yaml:"scan_slots" json:"scan_slots"`
}

// CacheConfig controls retention of durable on-disk caches.
type CacheConfig struct {
	// CacheExpiryDays is the age threshold for sweeping stale embedding
	// cache entries.
	CacheExpiryDays int `yaml:"cache_expiry_days" json:"cache_expiry_days"`
	// OrphanExpiryDays is how long a disabled workspace's vector index is
	// retained before it is eligible for deletion.
	OrphanExpiryDays int `yaml:"orphan_expiry_days" json:"orphan_expiry_days"`
	// ModelCacheHome is the base directory for caches and any downloaded
	// model artifacts. Empty uses the platform default.
	ModelCacheHome string `yaml:"model_cache_home" json:"model_cache_home"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`

	// OllamaHost is the Ollama API endpoint (default: http://localhost:11434).
	OllamaHost string `yaml:"ollama_host" json:"ollama_host"`

	// Thermal management settings for sustained load on the embedding
	// provider; these help avoid timeout failures on long refreshes.
	InterBatchDelay        string  `yaml:"inter_batch_delay" json:"inter_batch_delay"`
	TimeoutProgression     float64 `yaml:"timeout_progression" json:"timeout_progression"`
	RetryTimeoutMultiplier float64 `yaml:"retry_timeout_multiplier" json:"retry_timeout_multiplier"`
}

// ServerConfig configures the worker-host transport and log verbosity.
type ServerConfig struct {
	Transport string `yaml:"transport" json:"transport"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
}

// SubmoduleConfig configures git submodule discovery.
type SubmoduleConfig struct {
	// Enabled enables submodule discovery (default: false, opt-in).
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Recursive enables discovery of nested submodules (default: true).
	Recursive bool `yaml:"recursive" json:"recursive"`
	// Include specifies submodules to include (empty = all).
	Include []string `yaml:"include" json:"include"`
	// Exclude specifies submodules to exclude.
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// defaultExcludePatterns are always excluded.
var defaultExcludePatterns = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/dist/**",
	"**/build/**",
	"**/*.min.js",
	"**/*.min.css",
	"**/package-lock.json",
	"**/yarn.lock",
	"**/pnpm-lock.yaml",
	"**/go.sum",
}

// defaultIncludeExtensions are the file extensions considered source code
// worth indexing by default.
var defaultIncludeExtensions = []string{
	".go", ".py", ".js", ".jsx", ".mjs", ".ts", ".tsx",
	".rb", ".rs", ".java", ".kt", ".kts", ".c", ".h", ".cpp", ".hpp", ".cc",
	".cs", ".swift", ".php", ".scala", ".ex", ".exs", ".erl", ".hs", ".lua",
	".sh", ".bash", ".md", ".mdx",
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Indexing: IndexingConfig{
			IncludeExtensions: defaultIncludeExtensions,
			ExcludePatterns:   defaultExcludePatterns,
			MaxFileSize:       1 << 20, // 1MB per-file cap
			MaxChunkTokens:    400,
		},
		Performance: PerformanceConfig{
			FileBatchSize:        100,
			EmbeddingBatchSize:   32,
			EmbeddingConcurrency: 3,
			ScanSlots:            3,
		},
		Cache: CacheConfig{
			CacheExpiryDays:  30,
			OrphanExpiryDays: 30,
			ModelCacheHome:   defaultModelCacheHome(),
		},
		Embeddings: EmbeddingsConfig{
			Provider: "", // Empty triggers auto-detection: Ollama -> static
			Model:    "qwen3-embedding:8b",
			// Ollama settings (used when provider is "ollama" or auto-detected)
			OllamaHost: "", // Empty uses default http://localhost:11434
			// Thermal management defaults
			InterBatchDelay:        "",  // Disabled by default (empty = 0)
			TimeoutProgression:     1.5, // 50% increase per 1000 chunks for thermal adaptation
			RetryTimeoutMultiplier: 1.0, // No multiplier by default
		},
		Server: ServerConfig{
			Transport: "stdio",
			LogLevel:  "info",
		},
		Submodules: SubmoduleConfig{
			Enabled:   false, // Opt-in by default
			Recursive: true,  // Index nested submodules when enabled
			Include:   nil,
			Exclude:   nil,
		},
	}
}

// defaultModelCacheHome returns the default base directory for caches.
func defaultModelCacheHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".codeglyph", "cache")
	}
	return filepath.Join(home, ".codeglyph", "cache")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/codeglyph/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/codeglyph/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codeglyph", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codeglyph", "config.yaml")
	}
	return filepath.Join(home, ".config", "codeglyph", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// MaxBackups is the number of user config backups retained before the
// oldest is pruned.
const MaxBackups = 3

// BackupUserConfig copies the current user config to a timestamped backup
// file alongside it. Returns an empty path and nil error if no user config
// exists yet (nothing to back up).
func BackupUserConfig() (string, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return "", nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := configPath + ".bak." + backupTimestamp()
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	if err := pruneOldBackups(configPath); err != nil {
		return backupPath, err
	}

	return backupPath, nil
}

func backupTimestamp() string {
	return time.Now().Format("20060102-150405")
}

// ListUserConfigBackups returns backup file paths for the user config,
// newest first.
func ListUserConfigBackups() ([]string, error) {
	configPath := GetUserConfigPath()
	dir := filepath.Dir(configPath)
	base := filepath.Base(configPath)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}

	var backups []string
	prefix := base + ".bak."
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, e.Name()))
		}
	}

	sort.Slice(backups, func(i, j int) bool {
		infoI, errI := os.Stat(backups[i])
		infoJ, errJ := os.Stat(backups[j])
		if errI != nil || errJ != nil {
			return false
		}
		return infoI.ModTime().After(infoJ.ModTime())
	})

	return backups, nil
}

// pruneOldBackups removes backups beyond MaxBackups, oldest first.
func pruneOldBackups(configPath string) error {
	backups, err := ListUserConfigBackups()
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, stale := range backups[MaxBackups:] {
		if err := os.Remove(stale); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", stale, err)
		}
	}
	return nil
}

// loadUserConfig loads the user/global configuration file if it exists.
// Returns nil config and nil error if the file doesn't exist (that's OK).
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()

	if !fileExists(configPath) {
		return nil, nil
	}

	cfg := NewConfig()
	if err := cfg.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}

	return cfg, nil
}

// Load loads configuration from the specified directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/codeglyph/config.yaml)
//  3. Project config (.codeglyph.yaml in project root)
//  4. Environment variables (CODEGLYPH_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("failed to load user config: %w", err)
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

// loadFromFile attempts to load configuration from .codeglyph.yaml or .codeglyph.yml.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ".codeglyph.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return c.loadYAML(yamlPath)
	}

	ymlPath := filepath.Join(dir, ".codeglyph.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		return c.loadYAML(ymlPath)
	}

	return nil
}

// loadYAML loads and merges configuration from a YAML file.
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

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	// Indexing
	if len(other.Indexing.IncludeExtensions) > 0 {
		c.Indexing.IncludeExtensions = other.Indexing.IncludeExtensions
	}
	if len(other.Indexing.ExcludePatterns) > 0 {
		c.Indexing.ExcludePatterns = append(c.Indexing.ExcludePatterns, other.Indexing.ExcludePatterns...)
	}
	if other.Indexing.MaxFileSize != 0 {
		c.Indexing.MaxFileSize = other.Indexing.MaxFileSize
	}
	if other.Indexing.MaxChunkTokens != 0 {
		c.Indexing.MaxChunkTokens = other.Indexing.MaxChunkTokens
	}

	// Performance
	if other.Performance.FileBatchSize != 0 {
		c.Performance.FileBatchSize = other.Performance.FileBatchSize
	}
	if other.Performance.EmbeddingBatchSize != 0 {
		c.Performance.EmbeddingBatchSize = other.Performance.EmbeddingBatchSize
	}
	if other.Performance.EmbeddingConcurrency != 0 {
		c.Performance.EmbeddingConcurrency = other.Performance.EmbeddingConcurrency
	}
	if other.Performance.ScanSlots != 0 {
		c.Performance.ScanSlots = other.Performance.ScanSlots
	}

	// Cache
	if other.Cache.CacheExpiryDays != 0 {
		c.Cache.CacheExpiryDays = other.Cache.CacheExpiryDays
	}
	if other.Cache.OrphanExpiryDays != 0 {
		c.Cache.OrphanExpiryDays = other.Cache.OrphanExpiryDays
	}
	if other.Cache.ModelCacheHome != "" {
		c.Cache.ModelCacheHome = other.Cache.ModelCacheHome
	}

	// Embeddings
	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Model != "" {
		c.Embeddings.Model = other.Embeddings.Model
	}
	if other.Embeddings.OllamaHost != "" {
		c.Embeddings.OllamaHost = other.Embeddings.OllamaHost
	}
	if other.Embeddings.InterBatchDelay != "" {
		c.Embeddings.InterBatchDelay = other.Embeddings.InterBatchDelay
	}
	if other.Embeddings.TimeoutProgression != 0 {
		c.Embeddings.TimeoutProgression = other.Embeddings.TimeoutProgression
	}
	if other.Embeddings.RetryTimeoutMultiplier != 0 {
		c.Embeddings.RetryTimeoutMultiplier = other.Embeddings.RetryTimeoutMultiplier
	}

	// Server
	if other.Server.Transport != "" {
		c.Server.Transport = other.Server.Transport
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}

	// Submodules
	if other.Submodules.Enabled {
		c.Submodules.Enabled = other.Submodules.Enabled
	}
	if len(other.Submodules.Include) > 0 || len(other.Submodules.Exclude) > 0 || other.Submodules.Enabled {
		c.Submodules.Recursive = other.Submodules.Recursive
	}
	if len(other.Submodules.Include) > 0 {
		c.Submodules.Include = other.Submodules.Include
	}
	if len(other.Submodules.Exclude) > 0 {
		c.Submodules.Exclude = other.Submodules.Exclude
	}
}

// applyEnvOverrides applies CODEGLYPH_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEGLYPH_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Indexing.MaxFileSize = n
		}
	}
	if v := os.Getenv("CODEGLYPH_MAX_CHUNK_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexing.MaxChunkTokens = n
		}
	}

	if v := os.Getenv("CODEGLYPH_FILE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.FileBatchSize = n
		}
	}
	if v := os.Getenv("CODEGLYPH_EMBEDDING_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.EmbeddingBatchSize = n
		}
	}
	if v := os.Getenv("CODEGLYPH_EMBEDDING_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.EmbeddingConcurrency = clampInt(n, 1, 1000)
		}
	}
	if v := os.Getenv("CODEGLYPH_SCAN_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Performance.ScanSlots = n
		}
	}

	if v := os.Getenv("CODEGLYPH_CACHE_EXPIRY_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.CacheExpiryDays = n
		}
	}
	if v := os.Getenv("CODEGLYPH_ORPHAN_EXPIRY_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.OrphanExpiryDays = n
		}
	}
	if v := os.Getenv("CODEGLYPH_MODEL_CACHE_HOME"); v != "" {
		c.Cache.ModelCacheHome = v
	}

	if v := os.Getenv("CODEGLYPH_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	// CODEGLYPH_EMBEDDER is an alias for CODEGLYPH_EMBEDDINGS_PROVIDER
	if v := os.Getenv("CODEGLYPH_EMBEDDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CODEGLYPH_EMBEDDINGS_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("CODEGLYPH_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("CODEGLYPH_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("CODEGLYPH_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// DetectProjectType detects the project type based on marker files.
// Priority: go.mod > package.json > pyproject.toml/requirements.txt
func DetectProjectType(dir string) ProjectType {
	if fileExists(filepath.Join(dir, "go.mod")) {
		return ProjectTypeGo
	}

	if fileExists(filepath.Join(dir, "package.json")) {
		return ProjectTypeNode
	}

	if fileExists(filepath.Join(dir, "pyproject.toml")) ||
		fileExists(filepath.Join(dir, "requirements.txt")) {
		return ProjectTypePython
	}

	return ProjectTypeUnknown
}

// FindProjectRoot finds the project root directory.
// It looks for .git directory or .codeglyph.yaml/.yml file by walking up the directory tree.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	currentDir := absDir
	for {
		if dirExists(filepath.Join(currentDir, ".git")) {
			return currentDir, nil
		}

		if fileExists(filepath.Join(currentDir, ".codeglyph.yaml")) ||
			fileExists(filepath.Join(currentDir, ".codeglyph.yml")) {
			return currentDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return absDir, nil
		}
		currentDir = parentDir
	}
}

// DiscoverSourceDirs discovers common source directories in the project.
func DiscoverSourceDirs(dir string) []string {
	commonSourceDirs := []string{"src", "lib", "pkg", "internal", "cmd"}
	frameworkDirs := []string{"app", "pages"} // Next.js, etc.

	var found []string

	for _, d := range commonSourceDirs {
		if dirExists(filepath.Join(dir, d)) {
			found = append(found, d)
		}
	}

	if isNextJS(dir) {
		for _, d := range frameworkDirs {
			if dirExists(filepath.Join(dir, d)) {
				found = append(found, d)
			}
		}
	}

	return found
}

// DiscoverDocsDirs discovers documentation directories in the project.
func DiscoverDocsDirs(dir string) []string {
	commonDocDirs := []string{"docs", "doc"}
	commonDocFiles := []string{"README.md", "readme.md", "README.markdown"}

	var found []string

	for _, d := range commonDocDirs {
		if dirExists(filepath.Join(dir, d)) {
			found = append(found, d)
		}
	}

	for _, f := range commonDocFiles {
		if fileExists(filepath.Join(dir, f)) {
			found = append(found, f)
			break
		}
	}

	return found
}

// isNextJS checks if the project is a Next.js project.
func isNextJS(dir string) bool {
	pkgPath := filepath.Join(dir, "package.json")
	if !fileExists(pkgPath) {
		return false
	}

	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return false
	}

	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}

	_, hasNext := pkg.Dependencies["next"]
	_, hasNextDev := pkg.DevDependencies["next"]
	return hasNext || hasNextDev
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// dirExists checks if a directory exists.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// String returns a string representation of ProjectType.
func (p ProjectType) String() string {
	return string(p)
}

// IsKnown returns true if the project type is known (not unknown).
func (p ProjectType) IsKnown() bool {
	return p != ProjectTypeUnknown
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Indexing.MaxFileSize < 0 {
		return fmt.Errorf("max_file_size must be non-negative, got %d", c.Indexing.MaxFileSize)
	}
	if c.Indexing.MaxChunkTokens <= 0 {
		return fmt.Errorf("max_chunk_tokens must be positive, got %d", c.Indexing.MaxChunkTokens)
	}

	if c.Performance.FileBatchSize <= 0 {
		return fmt.Errorf("file_batch_size must be positive, got %d", c.Performance.FileBatchSize)
	}
	if c.Performance.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("embedding_batch_size must be positive, got %d", c.Performance.EmbeddingBatchSize)
	}
	if c.Performance.EmbeddingConcurrency < 1 || c.Performance.EmbeddingConcurrency > 1000 {
		return fmt.Errorf("embedding_concurrency must be between 1 and 1000, got %d", c.Performance.EmbeddingConcurrency)
	}
	if c.Performance.ScanSlots <= 0 {
		return fmt.Errorf("scan_slots must be positive, got %d", c.Performance.ScanSlots)
	}

	if c.Cache.CacheExpiryDays < 0 {
		return fmt.Errorf("cache_expiry_days must be non-negative, got %d", c.Cache.CacheExpiryDays)
	}
	if c.Cache.OrphanExpiryDays < 0 {
		return fmt.Errorf("orphan_expiry_days must be non-negative, got %d", c.Cache.OrphanExpiryDays)
	}

	if c.Embeddings.Provider != "" {
		validProviders := map[string]bool{"static": true, "ollama": true}
		if !validProviders[strings.ToLower(c.Embeddings.Provider)] {
			return fmt.Errorf("embeddings.provider must be 'ollama', 'static', or empty (auto-detect), got %s", c.Embeddings.Provider)
		}
	}

	validTransports := map[string]bool{"stdio": true, "socket": true}
	if !validTransports[strings.ToLower(c.Server.Transport)] {
		return fmt.Errorf("server.transport must be 'stdio' or 'socket', got %s", c.Server.Transport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

// MergeNewDefaults adds new default fields while preserving existing values.
// Returns a list of field names that were added with their default values.
func (c *Config) MergeNewDefaults() []string {
	defaults := NewConfig()
	var added []string

	if c.Performance.EmbeddingConcurrency == 0 {
		c.Performance.EmbeddingConcurrency = defaults.Performance.EmbeddingConcurrency
		added = append(added, "performance.embedding_concurrency")
	}
	if c.Performance.ScanSlots == 0 {
		c.Performance.ScanSlots = defaults.Performance.ScanSlots
		added = append(added, "performance.scan_slots")
	}
	if c.Cache.CacheExpiryDays == 0 {
		c.Cache.CacheExpiryDays = defaults.Cache.CacheExpiryDays
		added = append(added, "cache.cache_expiry_days")
	}
	if c.Cache.OrphanExpiryDays == 0 {
		c.Cache.OrphanExpiryDays = defaults.Cache.OrphanExpiryDays
		added = append(added, "cache.orphan_expiry_days")
	}
	if c.Embeddings.TimeoutProgression == 0 {
		c.Embeddings.TimeoutProgression = defaults.Embeddings.TimeoutProgression
		added = append(added, "embeddings.timeout_progression")
	}
	if c.Embeddings.RetryTimeoutMultiplier == 0 {
		c.Embeddings.RetryTimeoutMultiplier = defaults.Embeddings.RetryTimeoutMultiplier
		added = append(added, "embeddings.retry_timeout_multiplier")
	}

	return added
}
