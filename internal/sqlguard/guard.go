// Package sqlguard enforces read-only SQL policy on statements produced by
// the generation pipeline before they are dispatched for execution.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxLength bounds statement size before any pattern checks run.
const DefaultMaxLength = 20000

// PolicyError describes a guardrail rejection. Rejections are terminal for
// the statement: the pipeline falls back instead of retrying generation.
type PolicyError struct {
	Rule   string
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("sql policy violation (%s): %s", e.Rule, e.Detail)
}

func policyErr(rule, format string, args ...interface{}) error {
	return &PolicyError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

var (
	startOK = regexp.MustCompile(`(?is)^\s*(SELECT|WITH)\b`)

	forbiddenKeywords = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|MERGE|DROP|ALTER|TRUNCATE|CREATE|GRANT|REVOKE|COPY|VACUUM|ANALYZE|REINDEX|CLUSTER|LISTEN|NOTIFY|LOCK|REFRESH|CALL|DO|PREPARE|DEALLOCATE|DISCARD|RESET|SET|SHOW|EXPLAIN)\b`)

	commentMarkers = regexp.MustCompile(`--|/\*`)

	selectStar = regexp.MustCompile(`(?i)\bSELECT\s+\*`)

	systemSchemas = regexp.MustCompile(`(?i)\b(pg_catalog|information_schema|pg_toast)\s*\.`)

	pgFunctions = regexp.MustCompile(`(?i)\bpg_[a-z_]+\s*\(`)

	controlChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
)

// Guard validates candidate statements against the read-only policy.
type Guard struct {
	// StrictPGFunctions additionally rejects any pg_* function call, not
	// just system schema access.
	StrictPGFunctions bool
	// MaxLength overrides DefaultMaxLength when positive.
	MaxLength int
}

// Validate checks the statement and returns it in normalized form, with
// surrounding whitespace and a single trailing semicolon stripped. Any
// violation returns a *PolicyError.
func (g *Guard) Validate(sql string) (string, error) {
	maxLen := g.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if len(sql) > maxLen {
		return "", policyErr("max_length", "statement exceeds %d bytes", maxLen)
	}

	normalized := strings.TrimSpace(sql)
	if normalized == "" {
		return "", policyErr("empty", "statement is empty")
	}
	normalized = strings.TrimSuffix(normalized, ";")
	normalized = strings.TrimSpace(normalized)

	if controlChars.MatchString(normalized) {
		return "", policyErr("control_chars", "statement contains control characters")
	}
	if strings.Contains(normalized, ";") {
		return "", policyErr("multiple_statements", "statement contains an embedded semicolon")
	}
	if commentMarkers.MatchString(normalized) {
		return "", policyErr("comments", "statement contains a comment marker")
	}
	if !startOK.MatchString(normalized) {
		return "", policyErr("read_only", "statement must begin with SELECT or WITH")
	}
	if m := forbiddenKeywords.FindString(normalized); m != "" {
		return "", policyErr("forbidden_keyword", "statement contains %s", strings.ToUpper(m))
	}
	if selectStar.MatchString(normalized) {
		return "", policyErr("select_star", "SELECT * is not allowed, name the columns")
	}
	if m := systemSchemas.FindString(normalized); m != "" {
		return "", policyErr("system_schema", "access to %s is not allowed", strings.TrimRight(strings.TrimSpace(m), "."))
	}
	if g.StrictPGFunctions {
		if m := pgFunctions.FindString(normalized); m != "" {
			return "", policyErr("pg_function", "call to %s is not allowed", strings.TrimRight(strings.TrimSpace(m), "("))
		}
	}

	return normalized, nil
}
