package config

import "time"

// Default returns the built-in configuration. Initialize merges a
// user-supplied YAML file on top of this.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectTimeout: 5 * time.Second,
		},
		Outbox: OutboxConfig{
			WorkerCount:        4,
			BatchSize:          32,
			InFlightCap:        64,
			PollInterval:       1 * time.Second,
			PollIntervalJitter: 250 * time.Millisecond,
			MaxRetries:         3,
			BackoffBase:        1 * time.Second,
			BackoffMax:         60 * time.Second,
			OrphanThreshold:    5 * time.Minute,
			OrphanScanInterval: 1 * time.Minute,
		},
		Pipeline: PipelineConfig{
			MaxPDFBytes:  50 * 1024 * 1024,
			GroundFanOut: 8,
			LLMTimeout:   120 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailMax:      3,
			ResetTimeout: 60 * time.Second,
		},
		Terminology: TerminologyConfig{
			CacheTTL: 7 * 24 * time.Hour,
			RxNorm:   defaultTerminologyClient("https://rxnav.nlm.nih.gov/REST"),
			ICD10:    defaultTerminologyClient("https://clinicaltables.nlm.nih.gov/api/icd10cm/v3"),
			LOINC:    defaultTerminologyClient("https://fhir.loinc.org"),
			HPO:      defaultTerminologyClient("https://ontology.jax.org/api/hp"),
			UMLS:     defaultTerminologyClient("https://uts-ws.nlm.nih.gov/rest"),
		},
		LLM: LLMConfig{
			UseVertex: false,
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
		ObjectStore: ObjectStoreConfig{},
		Review: ReviewConfig{
			InheritanceThreshold: 0.82,
			ArchivalCutoff:       7 * 24 * time.Hour,
		},
	}
}

func defaultTerminologyClient(baseURL string) TerminologyClientConfig {
	return TerminologyClientConfig{
		BaseURL:     baseURL,
		Timeout:     10 * time.Second,
		RetryMax:    3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
}
