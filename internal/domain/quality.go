package domain

import (
	"fmt"
	"time"
)

// CheckStatus is the outcome state of a QualityCheck.
type CheckStatus string

const (
	CheckPassed     CheckStatus = "passed"
	CheckFailed     CheckStatus = "failed"
	CheckFixed      CheckStatus = "fixed"
	CheckUnresolved CheckStatus = "unresolved"
	CheckResolved   CheckStatus = "resolved"
)

var checkTransitions = map[CheckStatus][]CheckStatus{
	CheckFailed:     {CheckFixed, CheckUnresolved, CheckResolved},
	CheckUnresolved: {CheckFixed, CheckResolved},
}

// CanTransition reports whether a check may move from s to next.
// Transitions only move forward; passed, fixed and resolved are terminal.
func (s CheckStatus) CanTransition(next CheckStatus) bool {
	for _, allowed := range checkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Fixable reports whether a Phase 1 fix may run against a check in status s.
func (s CheckStatus) Fixable() bool {
	return s == CheckFailed || s == CheckUnresolved
}

// RuleCategory groups quality rules.
type RuleCategory string

const (
	CategoryCompleteness RuleCategory = "completeness"
	CategoryBalance      RuleCategory = "balance"
	CategoryDates        RuleCategory = "dates"
	CategoryLinkage      RuleCategory = "linkage"
)

// RuleResult is the verdict of one quality rule.
type RuleResult struct {
	Rule     string       `json:"rule"`
	Category RuleCategory `json:"category"`
	Passed   bool         `json:"passed"`
	Skipped  bool         `json:"skipped,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}

// CheckResults is the structured payload stored on a QualityCheck.
type CheckResults struct {
	Rules         []RuleResult `json:"rules"`
	OverallPassed bool         `json:"overall_passed"`
}

// Failed returns the names of rules that did not pass.
func (c CheckResults) Failed() []string {
	var names []string
	for _, r := range c.Rules {
		if !r.Passed {
			names = append(names, r.Rule)
		}
	}
	return names
}

// Passing reports whether the named rule passed.
func (c CheckResults) Passing(rule string) bool {
	for _, r := range c.Rules {
		if r.Rule == rule {
			return r.Passed
		}
	}
	return false
}

// QualityCheck is one auditable run of the quality rules for an upload.
type QualityCheck struct {
	ID              string       `json:"id"`
	UploadID        string       `json:"upload_id"`
	UserID          string       `json:"user_id"`
	CheckStatus     CheckStatus  `json:"check_status"`
	Checks          CheckResults `json:"checks"`
	FixAttempts     int          `json:"fix_attempts"`
	FixCount        int          `json:"fix_count"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	ResolutionNotes string       `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Advance moves the check to next, enforcing forward-only transitions.
func (q *QualityCheck) Advance(next CheckStatus) error {
	if !q.CheckStatus.CanTransition(next) {
		return fmt.Errorf("quality check %s cannot move from %s to %s", q.ID, q.CheckStatus, next)
	}
	q.CheckStatus = next
	return nil
}

// ExtractionFailure is a write-once diagnostic row for repeated oracle failures.
type ExtractionFailure struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	UploadID        string     `json:"upload_id"`
	Filename        string     `json:"filename"`
	FileType        string     `json:"file_type"`
	StoragePath     string     `json:"storage_path"`
	AttemptNumber   int        `json:"attempt_number"`
	ErrorMessage    string     `json:"error_message"`
	OracleMode      string     `json:"oracle_mode,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}
