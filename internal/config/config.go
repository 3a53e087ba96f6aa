// Package config handles loading and parsing of chunkvault configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for chunkvault.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Metadata MetadataConfig `yaml:"metadata"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
	// Name is the store name reported by get_state.
	Name string `yaml:"name"`
	// ShutdownTimeout is the graceful shutdown budget in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
}

// Credential is an access key pair accepted by the SigV4 verifier.
type Credential struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// AuthConfig holds authentication and role settings.
type AuthConfig struct {
	// Enabled turns on SigV4 verification and role checks.
	Enabled     bool         `yaml:"enabled"`
	Credentials []Credential `yaml:"credentials"`
	// Controllers may run admin operations.
	Controllers []string `yaml:"controllers"`
	// Managers and Auditors seed the engine state on first start.
	Managers []string `yaml:"managers"`
	Auditors []string `yaml:"auditors"`
}

// MetadataConfig selects and configures the ordered key-value store.
type MetadataConfig struct {
	// Engine is one of "memory", "sqlite", "local", "dynamodb", "firestore", "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Memory    MemoryConfig    `yaml:"memory"`
	Local     LocalMetaConfig `yaml:"local"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// MemoryConfig holds in-memory store settings.
type MemoryConfig struct {
	// SnapshotPath is an optional SQLite file the memory store persists to.
	SnapshotPath string `yaml:"snapshot_path"`
	// SnapshotIntervalSeconds is how often the snapshot is written.
	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
}

// LocalMetaConfig holds settings for the JSONL-backed store.
type LocalMetaConfig struct {
	RootDir          string `yaml:"root_dir"`
	CompactOnStartup bool   `yaml:"compact_on_startup"`
}

// DynamoDBConfig holds DynamoDB settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig selects and configures the chunk store.
type StorageConfig struct {
	// Backend is one of "kv", "local", "aws", "gcp", "azure", "minio".
	Backend string      `yaml:"backend"`
	Local   LocalConfig `yaml:"local"`
	AWS     AWSConfig   `yaml:"aws"`
	GCP     GCPConfig   `yaml:"gcp"`
	Azure   AzureConfig `yaml:"azure"`
	MinIO   MinIOConfig `yaml:"minio"`
}

// LocalConfig holds local filesystem chunk storage settings.
type LocalConfig struct {
	// RootDir is the base directory for chunk files.
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds S3 chunk storage settings.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds Google Cloud Storage chunk storage settings.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds Azure Blob chunk storage settings.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is used to construct https://{account}.blob.core.windows.net
	// when AccountURL is empty.
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// MinIOConfig holds MinIO chunk storage settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to chunkvault.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "chunkvault.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "chunkvault.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate checks that the selected backends are known.
func (c *Config) Validate() error {
	switch c.Metadata.Engine {
	case "memory", "sqlite", "local", "dynamodb", "firestore", "cosmos":
	default:
		return fmt.Errorf("unknown metadata engine %q", c.Metadata.Engine)
	}
	switch c.Storage.Backend {
	case "kv", "local", "aws", "gcp", "azure", "minio":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Auth.Enabled && len(c.Auth.Credentials) == 0 {
		return fmt.Errorf("auth is enabled but no credentials are configured")
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9010,
			Region:          "us-east-1",
			Name:            "chunkvault",
			ShutdownTimeout: 30,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/chunkvault.db",
			},
		},
		Storage: StorageConfig{
			Backend: "kv",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9010
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "chunkvault"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/chunkvault.db"
	}
	if cfg.Metadata.Memory.SnapshotIntervalSeconds <= 0 {
		cfg.Metadata.Memory.SnapshotIntervalSeconds = 300
	}
	if cfg.Metadata.Local.RootDir == "" {
		cfg.Metadata.Local.RootDir = "./data/metadata"
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = "chunkvault"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "kv"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/chunks"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = cfg.Server.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
