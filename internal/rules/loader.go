package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"procurement-automation/internal/models"
)

// Loader reads per-tenant rule sets from YAML files in a rules directory.
// Rules are configuration data, parsed and validated at load time and cached
// until Reload.
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[string][]models.AutomationRule
}

// NewLoader builds a loader over the given directory. Each tenant has one
// file, <tenant>.yaml; missing tenants fall back to default.yaml.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: make(map[string][]models.AutomationRule),
	}
}

type ruleFile struct {
	Rules []models.AutomationRule `yaml:"rules"`
}

// ForTenant returns the active rule set for a tenant, loading and caching on
// first use. A tenant without its own file uses the default rule set; a
// missing default yields an empty set (which evaluates to default-deny).
func (l *Loader) ForTenant(tenantID string) ([]models.AutomationRule, error) {
	l.mu.RLock()
	if cached, ok := l.cache[tenantID]; ok {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	loaded, err := l.loadFile(tenantID)
	if err != nil {
		return nil, err
	}
	if loaded == nil && tenantID != "default" {
		if loaded, err = l.loadFile("default"); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	l.cache[tenantID] = loaded
	l.mu.Unlock()
	return loaded, nil
}

// Reload drops the cache so subsequent lookups re-read from disk.
func (l *Loader) Reload() {
	l.mu.Lock()
	l.cache = make(map[string][]models.AutomationRule)
	l.mu.Unlock()
}

func (l *Loader) loadFile(name string) ([]models.AutomationRule, error) {
	path := filepath.Join(l.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for i := range rf.Rules {
		if err := validateRule(rf.Rules[i]); err != nil {
			return nil, fmt.Errorf("rules file %s: %w", path, err)
		}
	}
	return rf.Rules, nil
}

var validOperators = map[string]bool{
	models.OpEq:     true,
	models.OpNeq:    true,
	models.OpGt:     true,
	models.OpGte:    true,
	models.OpLt:     true,
	models.OpLte:    true,
	models.OpIn:     true,
	models.OpNotIn:  true,
	models.OpExists: true,
	models.OpRegex:  true,
}

// validateRule rejects malformed rules at load time rather than silently
// ignoring them during evaluation.
func validateRule(rule models.AutomationRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule with empty id")
	}
	if rule.RuleType != models.RuleTypeAllow && rule.RuleType != models.RuleTypeDeny {
		return fmt.Errorf("rule %s: unknown rule_type %q", rule.ID, rule.RuleType)
	}
	if rule.Trigger.Event == "" {
		return fmt.Errorf("rule %s: trigger event is required", rule.ID)
	}
	for _, cond := range rule.Conditions {
		if cond.Field == "" {
			return fmt.Errorf("rule %s: condition with empty field", rule.ID)
		}
		if !validOperators[cond.Operator] {
			return fmt.Errorf("rule %s: unknown operator %q", rule.ID, cond.Operator)
		}
	}
	if rule.RuleType == models.RuleTypeAllow && rule.Action.Type == "" {
		return fmt.Errorf("rule %s: allow rule requires an action type", rule.ID)
	}
	return nil
}
