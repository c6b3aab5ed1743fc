// Package config loads and validates process configuration from a YAML
// file overlaid on built-in defaults, with environment-variable expansion
// for secrets.
package config

import "time"

// Config is the root configuration object, assembled by Initialize.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Terminology  TerminologyConfig  `yaml:"terminology"`
	LLM          LLMConfig          `yaml:"llm"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Review       ReviewConfig       `yaml:"review"`
}

// DatabaseConfig controls the pgx connection pool. When DSN is empty it is
// filled from the DATABASE_URL environment variable; cmd/gridline refuses
// to start if it is still empty.
type DatabaseConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// OutboxConfig tunes the outbox processor. OrphanThreshold is the
// visibility timeout after which an in_flight claim from a dead worker is
// reclaimed; OrphanScanInterval paces the scan.
type OutboxConfig struct {
	WorkerCount        int           `yaml:"worker_count"`
	BatchSize          int           `yaml:"batch_size"`
	InFlightCap        int           `yaml:"in_flight_cap"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	MaxRetries         int           `yaml:"max_retries"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	OrphanThreshold    time.Duration `yaml:"orphan_threshold"`
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`
}

// PipelineConfig tunes the state machine driver.
type PipelineConfig struct {
	MaxPDFBytes  int64         `yaml:"max_pdf_bytes"`
	GroundFanOut int           `yaml:"ground_fan_out"`
	LLMTimeout   time.Duration `yaml:"llm_timeout"`
}

// ResilienceConfig tunes the per-service circuit breakers.
type ResilienceConfig struct {
	FailMax      uint32        `yaml:"fail_max"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TerminologyClientConfig is per-system HTTP client configuration.
type TerminologyClientConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	APIKey      string        `yaml:"-"` // resolved from APIKeyEnv at load time, never serialized
	Timeout     time.Duration `yaml:"timeout"`
	RetryMax    int           `yaml:"retry_max"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// TerminologyConfig groups every terminology system's client config plus
// the shared cache TTL.
type TerminologyConfig struct {
	CacheTTL time.Duration           `yaml:"cache_ttl"`
	RxNorm   TerminologyClientConfig `yaml:"rxnorm"`
	ICD10    TerminologyClientConfig `yaml:"icd10"`
	LOINC    TerminologyClientConfig `yaml:"loinc"`
	HPO      TerminologyClientConfig `yaml:"hpo"`
	UMLS     TerminologyClientConfig `yaml:"umls"`
}

// LLMConfig configures the Gemini/Vertex AI extraction client.
type LLMConfig struct {
	UseVertex bool   `yaml:"use_vertex"`
	Project   string `yaml:"project"`
	Location  string `yaml:"location"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// ObjectStoreConfig configures the GCS object store wrapper.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket"`
}

// ReviewConfig configures review inheritance and archival.
type ReviewConfig struct {
	InheritanceThreshold float64       `yaml:"inheritance_threshold"`
	ArchivalCutoff       time.Duration `yaml:"archival_cutoff"`
}
