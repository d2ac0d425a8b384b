package sentinel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"antigravity/internal/logging"
	"antigravity/internal/state"
)

// Tier identifies which classifier layer produced a verdict.
type Tier int

const (
	TierWhitelist Tier = iota + 1
	TierLearned
	TierAudit
)

// Verdict is the classification result for one command.
type Verdict struct {
	Allowed bool
	Reason  string
	Tier    Tier
}

// RuleStore supplies learned patterns. Implemented by the state store.
type RuleStore interface {
	ListSentinelRules(ctx context.Context) ([]state.SentinelRule, error)
	AddSentinelRule(ctx context.Context, pattern string, allowed bool, reason, source string) error
}

// Auditor performs the tier-three LLM safety audit.
type Auditor interface {
	ClassifyJSON(ctx context.Context, model, system, user string, target any) error
}

// Sentinel is the three-tier pre-execution safety classifier for shell
// commands: static whitelist, learned patterns, then LLM audit.
type Sentinel struct {
	rules        RuleStore
	auditor      Auditor
	auditModel   string
	auditTimeout time.Duration
	disabled     bool
	logger       logging.Logger
}

// Config controls sentinel construction.
type Config struct {
	Enabled      bool
	AuditModel   string
	AuditTimeout time.Duration
}

// New creates a Sentinel. auditor may be nil, which fails closed at tier 3.
func New(rules RuleStore, auditor Auditor, cfg Config, logger logging.Logger) *Sentinel {
	timeout := cfg.AuditTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Sentinel{
		rules:        rules,
		auditor:      auditor,
		auditModel:   cfg.AuditModel,
		auditTimeout: timeout,
		disabled:     !cfg.Enabled,
		logger:       logging.OrNop(logger),
	}
}

// Static tier-one lists. Prefix match on the first token of the command.
var safePrefixes = []string{
	"ls", "cat", "head", "tail", "grep", "find", "wc", "pwd", "echo", "date",
	"whoami", "uname", "df", "du", "free", "uptime", "ps", "which", "file",
	"stat", "git status", "git log", "git diff",
}

var dangerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+(-\w*\s+)*[-/]`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`chmod\s+(-\w+\s+)*777\s+/`),
	regexp.MustCompile(`curl[^|]*\|\s*(sudo\s+)?(ba)?sh`),
	regexp.MustCompile(`wget[^|]*\|\s*(sudo\s+)?(ba)?sh`),
}

// Check classifies one command. Tier order: whitelist/denylist, learned
// rules, LLM audit. The audit fails closed on timeout or error.
func (s *Sentinel) Check(ctx context.Context, command string) Verdict {
	if s.disabled {
		return Verdict{Allowed: true, Reason: "sentinel disabled", Tier: TierWhitelist}
	}
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Verdict{Allowed: false, Reason: "empty command", Tier: TierWhitelist}
	}

	// Tier 1: static denylist first, then whitelist.
	for _, pat := range dangerPatterns {
		if pat.MatchString(trimmed) {
			return Verdict{Allowed: false, Reason: "matches destructive pattern", Tier: TierWhitelist}
		}
	}
	for _, prefix := range safePrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return Verdict{Allowed: true, Reason: "whitelisted prefix", Tier: TierWhitelist}
		}
	}

	// Tier 2: learned rules, newest first.
	if s.rules != nil {
		rules, err := s.rules.ListSentinelRules(ctx)
		if err != nil {
			s.logger.Warn("Sentinel rule load failed: %v", err)
		}
		for _, rule := range rules {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				s.logger.Warn("Sentinel rule %d has invalid pattern %q", rule.ID, rule.Pattern)
				continue
			}
			if re.MatchString(trimmed) {
				return Verdict{Allowed: rule.Allowed, Reason: rule.Reason, Tier: TierLearned}
			}
		}
	}

	// Tier 3: LLM audit, fail closed.
	return s.audit(ctx, trimmed)
}

const auditSystemPrompt = `You are a shell command safety auditor. Reply with JSON only:
{"allowed": true|false, "reason": "<short reason>"}
Block anything destructive, privilege-escalating, or data-exfiltrating.`

func (s *Sentinel) audit(ctx context.Context, command string) Verdict {
	if s.auditor == nil {
		return Verdict{Allowed: false, Reason: "no auditor configured", Tier: TierAudit}
	}

	auditCtx, cancel := context.WithTimeout(ctx, s.auditTimeout)
	defer cancel()

	var reply struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	err := s.auditor.ClassifyJSON(auditCtx, s.auditModel, auditSystemPrompt, command, &reply)
	if err != nil {
		s.logger.Warn("Sentinel audit failed (closing): %v", err)
		return Verdict{Allowed: false, Reason: "audit unavailable", Tier: TierAudit}
	}
	if reply.Reason == "" {
		reply.Reason = "audit verdict"
	}
	return Verdict{Allowed: reply.Allowed, Reason: reply.Reason, Tier: TierAudit}
}

// Learn records an operator-confirmed verdict as a tier-two rule so the same
// command class never reaches the audit again.
func (s *Sentinel) Learn(ctx context.Context, command string, allowed bool, reason string) error {
	if s.rules == nil {
		return fmt.Errorf("sentinel: no rule store")
	}
	pattern := "^" + regexp.QuoteMeta(strings.TrimSpace(command)) + "$"
	return s.rules.AddSentinelRule(ctx, pattern, allowed, reason, "operator")
}

// BlockError renders a denial in the executor's error format.
func BlockError(v Verdict) error {
	return fmt.Errorf("SECURITY BLOCK: %s", v.Reason)
}
