// Package secrets redacts credentials from text before it leaves the process.
//
// Detection uses the gitleaks default ruleset. Each detected secret is
// replaced with a [REDACTED:rule-id] marker so the surrounding text keeps its
// meaning for embedding.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Finding is a detected secret. The secret value itself is not retained.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Result is redacted content plus what was found.
type Result struct {
	Content  string    `json:"-"`
	Findings []Finding `json:"findings,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool { return len(r.Findings) > 0 }

// Redactor removes secrets from text.
type Redactor interface {
	Redact(content string) Result
}

// Gitleaks is a Redactor backed by the gitleaks detector.
type Gitleaks struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewGitleaks loads the default gitleaks ruleset.
func NewGitleaks() (*Gitleaks, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks config: %w", err)
	}
	return &Gitleaks{detector: d}, nil
}

// Redact implements Redactor. Calls are serialized on the detector.
func (g *Gitleaks) Redact(content string) Result {
	if content == "" {
		return Result{Content: content}
	}

	g.mu.Lock()
	raw := g.detector.DetectString(content)
	g.mu.Unlock()

	if len(raw) == 0 {
		return Result{Content: content}
	}

	findings := make([]Finding, 0, len(raw))
	markers := make(map[string]string, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
		})
		if f.Secret != "" {
			if _, ok := markers[f.Secret]; !ok {
				markers[f.Secret] = Marker(f.RuleID)
			}
		}
	}
	return Result{Content: replaceAll(content, markers), Findings: findings}
}

// Marker is the replacement text for a secret matched by rule.
func Marker(rule string) string {
	return "[REDACTED:" + rule + "]"
}

// replaceAll substitutes longer secrets first so a secret that contains
// another is not partially replaced.
func replaceAll(content string, markers map[string]string) string {
	secrets := make([]string, 0, len(markers))
	for s := range markers {
		secrets = append(secrets, s)
	}
	sort.Slice(secrets, func(i, j int) bool {
		if len(secrets[i]) != len(secrets[j]) {
			return len(secrets[i]) > len(secrets[j])
		}
		return secrets[i] < secrets[j]
	})

	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		pairs = append(pairs, s, markers[s])
	}
	return strings.NewReplacer(pairs...).Replace(content)
}

// Noop returns content unchanged.
type Noop struct{}

func (Noop) Redact(content string) Result { return Result{Content: content} }

var (
	_ Redactor = (*Gitleaks)(nil)
	_ Redactor = Noop{}
)
