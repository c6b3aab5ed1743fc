package config

// Validate checks a fully-merged Config for missing or out-of-range fields,
// collecting every problem found (not just the first) into a *MultiError so
// an operator sees the whole picture in one pass.
func Validate(cfg *Config) error {
	v := &validator{cfg: cfg}
	v.validateOutbox()
	v.validatePipeline()
	v.validateResilience()
	v.validateTerminology()
	v.validateLLM()
	v.validateReview()

	if len(v.errs) == 0 {
		return nil
	}
	return &MultiError{Errors: v.errs}
}

type validator struct {
	cfg  *Config
	errs []error
}

func (v *validator) fail(field, reason string) {
	v.errs = append(v.errs, &ValidationError{Field: field, Reason: reason})
}

func (v *validator) validateOutbox() {
	o := v.cfg.Outbox
	if o.WorkerCount < 1 {
		v.fail("outbox.worker_count", "must be at least 1")
	}
	if o.BatchSize < 1 {
		v.fail("outbox.batch_size", "must be at least 1")
	}
	if o.InFlightCap < o.BatchSize {
		v.fail("outbox.in_flight_cap", "must be >= batch_size")
	}
	if o.MaxRetries < 1 {
		v.fail("outbox.max_retries", "must be at least 1")
	}
	if o.BackoffMax < o.BackoffBase {
		v.fail("outbox.backoff_max", "must be >= backoff_base")
	}
	if o.OrphanThreshold <= 0 {
		v.fail("outbox.orphan_threshold", "must be positive")
	}
	if o.OrphanScanInterval <= 0 {
		v.fail("outbox.orphan_scan_interval", "must be positive")
	}
}

func (v *validator) validatePipeline() {
	p := v.cfg.Pipeline
	if p.MaxPDFBytes <= 0 {
		v.fail("pipeline.max_pdf_bytes", "must be positive")
	}
	if p.GroundFanOut < 1 {
		v.fail("pipeline.ground_fan_out", "must be at least 1")
	}
	if p.LLMTimeout <= 0 {
		v.fail("pipeline.llm_timeout", "must be positive")
	}
}

func (v *validator) validateResilience() {
	r := v.cfg.Resilience
	if r.FailMax < 1 {
		v.fail("resilience.fail_max", "must be at least 1")
	}
	if r.ResetTimeout <= 0 {
		v.fail("resilience.reset_timeout", "must be positive")
	}
}

func (v *validator) validateTerminology() {
	if v.cfg.Terminology.CacheTTL <= 0 {
		v.fail("terminology.cache_ttl", "must be positive")
	}
	clients := map[string]TerminologyClientConfig{
		"rxnorm": v.cfg.Terminology.RxNorm,
		"icd10":  v.cfg.Terminology.ICD10,
		"loinc":  v.cfg.Terminology.LOINC,
		"hpo":    v.cfg.Terminology.HPO,
		"umls":   v.cfg.Terminology.UMLS,
	}
	for name, c := range clients {
		if c.BaseURL == "" {
			v.fail("terminology."+name+".base_url", "must be set")
		}
		if c.Timeout <= 0 {
			v.fail("terminology."+name+".timeout", "must be positive")
		}
		if c.RetryMax < 0 {
			v.fail("terminology."+name+".retry_max", "must not be negative")
		}
	}
}

func (v *validator) validateLLM() {
	l := v.cfg.LLM
	if l.Model == "" {
		v.fail("llm.model", "must be set")
	}
	if l.UseVertex {
		if l.Project == "" {
			v.fail("llm.project", "required when use_vertex is true")
		}
		if l.Location == "" {
			v.fail("llm.location", "required when use_vertex is true")
		}
	} else if l.APIKeyEnv == "" {
		v.fail("llm.api_key_env", "required when use_vertex is false")
	}
}

func (v *validator) validateReview() {
	r := v.cfg.Review
	if r.InheritanceThreshold < 0 || r.InheritanceThreshold > 1 {
		v.fail("review.inheritance_threshold", "must be between 0 and 1")
	}
	if r.ArchivalCutoff <= 0 {
		v.fail("review.archival_cutoff", "must be positive")
	}
}
