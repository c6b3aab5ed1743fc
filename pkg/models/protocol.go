package models

import "time"

// Protocol is a single clinical trial protocol submission. Its Status is
// the single source of truth external observers rely on; it is mutated by
// pipeline runs, the retry operation, dead-lettering, and archival.
type Protocol struct {
	ID          string
	FilePointer string // opaque pointer into the object store
	Title       string
	Status      ProtocolStatus
	Metadata    map[string]any // holds structured error context + pipeline_thread_id
	ErrorReason string         // human-readable
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ErrorMetadata is the structured shape stored at protocol.metadata.error.
type ErrorMetadata struct {
	Category   string `json:"category"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
}

// ThreadID returns the pipeline_thread_id recorded in metadata, if any.
func (p *Protocol) ThreadID() (string, bool) {
	if p.Metadata == nil {
		return "", false
	}
	v, ok := p.Metadata["pipeline_thread_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// SetThreadID records the current pipeline run's thread id in metadata so
// a later retry can locate the resume point.
func (p *Protocol) SetThreadID(threadID string) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["pipeline_thread_id"] = threadID
}

// SetErrorMetadata records a structured error alongside the human-readable
// reason.
func (p *Protocol) SetErrorMetadata(e ErrorMetadata) {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	p.Metadata["error"] = map[string]any{
		"category":    e.Category,
		"reason":      e.Reason,
		"retry_count": e.RetryCount,
	}
}

// ClearError resets ErrorReason and the metadata.error block. Called when
// a retry begins.
func (p *Protocol) ClearError() {
	p.ErrorReason = ""
	if p.Metadata != nil {
		delete(p.Metadata, "error")
	}
}

// ProtocolFilter narrows protocol listings.
type ProtocolFilter struct {
	Status          ProtocolStatus // empty means "any"
	IncludeArchived bool
	Limit           int
	Offset          int
}
