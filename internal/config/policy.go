package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"custodian/internal/domain"
)

// PolicyFile is the on-disk security policy. A missing file falls back
// to the restrictive built-in defaults; a malformed one is an error so
// a typo can never silently weaken the policy.
type PolicyFile struct {
	Level     string                       `yaml:"level"`
	PanicMode bool                         `yaml:"panic_mode"`
	Rules     map[string]map[string]string `yaml:"rules"`

	RateLimits        map[string]int `yaml:"rate_limits"`
	RateWindowMinutes int            `yaml:"rate_window_minutes"`

	Sandbox SandboxPolicy `yaml:"sandbox"`
}

type SandboxPolicy struct {
	AllowedPaths   []string `yaml:"allowed_paths"`
	BlockedPaths   []string `yaml:"blocked_paths"`
	AllowedDomains []string `yaml:"allowed_domains"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// LoadPolicy reads the policy file at path and resolves it into the
// active profile plus sandbox limits. An empty path yields the defaults.
func LoadPolicy(path string) (domain.PolicyProfile, domain.SandboxLimits, error) {
	profile := DefaultPolicyProfile()
	limits := DefaultSandboxLimits()
	if path == "" {
		return profile, limits, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, limits, nil
		}
		return profile, limits, fmt.Errorf("read policy file: %w", err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return profile, limits, fmt.Errorf("parse policy file: %w", err)
	}

	if file.Level != "" {
		profile.Level = domain.PolicyLevel(file.Level)
	}
	profile.PanicMode = file.PanicMode
	if len(file.Rules) > 0 {
		rules, err := parseRules(file.Rules)
		if err != nil {
			return profile, limits, err
		}
		profile.Rules = rules
	}
	if len(file.RateLimits) > 0 {
		profile.RateLimits = file.RateLimits
	}
	if file.RateWindowMinutes > 0 {
		profile.RateWindow = time.Duration(file.RateWindowMinutes) * time.Minute
	}

	if len(file.Sandbox.AllowedPaths) > 0 {
		limits.AllowedPaths = file.Sandbox.AllowedPaths
	}
	if len(file.Sandbox.BlockedPaths) > 0 {
		limits.BlockedPaths = file.Sandbox.BlockedPaths
	}
	if len(file.Sandbox.AllowedDomains) > 0 {
		limits.AllowedDomains = file.Sandbox.AllowedDomains
	}
	if file.Sandbox.TimeoutSeconds > 0 {
		limits.Timeout = time.Duration(file.Sandbox.TimeoutSeconds) * time.Second
	}

	if err := profile.Validate(); err != nil {
		return profile, limits, err
	}
	return profile, limits, nil
}

func parseRules(raw map[string]map[string]string) (map[domain.PolicyLevel]map[domain.RiskClass]domain.RuleAction, error) {
	rules := make(map[domain.PolicyLevel]map[domain.RiskClass]domain.RuleAction, len(raw))
	for level, classes := range raw {
		policyLevel := domain.PolicyLevel(level)
		if !policyLevel.Valid() {
			return nil, fmt.Errorf("policy file: unknown level %q", level)
		}
		rules[policyLevel] = make(map[domain.RiskClass]domain.RuleAction, len(classes))
		for class, action := range classes {
			riskClass := domain.RiskClass(class)
			if !riskClass.Valid() {
				return nil, fmt.Errorf("policy file: unknown risk class %q", class)
			}
			switch domain.RuleAction(action) {
			case domain.RuleAllow, domain.RuleDeny, domain.RuleConfirm:
				rules[policyLevel][riskClass] = domain.RuleAction(action)
			default:
				return nil, fmt.Errorf("policy file: unknown rule action %q", action)
			}
		}
	}
	return rules, nil
}

// DefaultPolicyProfile is the built-in restrictive policy used when no
// policy file is configured.
func DefaultPolicyProfile() domain.PolicyProfile {
	return domain.PolicyProfile{
		Level: domain.PolicyMedium,
		Rules: map[domain.PolicyLevel]map[domain.RiskClass]domain.RuleAction{
			domain.PolicyLow: {
				domain.RiskRead:         domain.RuleAllow,
				domain.RiskWrite:        domain.RuleAllow,
				domain.RiskSend:         domain.RuleConfirm,
				domain.RiskIrreversible: domain.RuleConfirm,
			},
			domain.PolicyMedium: {
				domain.RiskRead:         domain.RuleAllow,
				domain.RiskWrite:        domain.RuleAllow,
				domain.RiskSend:         domain.RuleConfirm,
				domain.RiskIrreversible: domain.RuleDeny,
			},
			domain.PolicyHigh: {
				domain.RiskRead:         domain.RuleAllow,
				domain.RiskWrite:        domain.RuleConfirm,
				domain.RiskSend:         domain.RuleConfirm,
				domain.RiskIrreversible: domain.RuleDeny,
			},
			domain.PolicyParanoid: {
				domain.RiskRead:         domain.RuleConfirm,
				domain.RiskWrite:        domain.RuleConfirm,
				domain.RiskSend:         domain.RuleDeny,
				domain.RiskIrreversible: domain.RuleDeny,
			},
		},
		RateLimits: map[string]int{
			"send_email":   50,
			"send_message": 100,
			"create_event": 20,
		},
		RateWindow: time.Hour,
	}
}

// DefaultSandboxLimits mirrors the restrictive browser-security defaults:
// a 30 second ceiling and the known service domains only.
func DefaultSandboxLimits() domain.SandboxLimits {
	return domain.SandboxLimits{
		Timeout: 30 * time.Second,
		BlockedPaths: []string{
			"~/.ssh/",
			"/**/.env",
			"/**/.env.*",
			"/**/id_rsa",
			"/**/id_ed25519",
		},
		AllowedDomains: []string{
			"mail.google.com",
			"calendar.google.com",
			"web.whatsapp.com",
			"accounts.google.com",
		},
	}
}
