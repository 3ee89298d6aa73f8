package intercept

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tfkr-ae/snag/domain"
)

// Match targets for scope rules.
const (
	MatchHost = "host"
	MatchURL  = "url"
)

var (
	// ErrInvalidMatchType is returned when a rule targets something other than host or url.
	ErrInvalidMatchType = errors.New("invalid match type")
	// ErrRuleExists is returned when the same rule is added twice.
	ErrRuleExists = errors.New("rule already exists")
	// ErrRuleNotFound is returned when removing a rule that was never added.
	ErrRuleNotFound = errors.New("rule not found")
)

// Rule is a compiled scope pattern and the part of the URL it applies to.
type Rule struct {
	Pattern   *regexp.Regexp
	MatchType string
}

// Scope decides which records are streamed. Exclude rules win over include rules and
// records matching neither fall back to DefaultAllow. Records out of scope are vetoed.
type Scope struct {
	mu           sync.RWMutex
	includeRules map[string]Rule
	excludeRules map[string]Rule
	defaultAllow bool
}

// NewScope creates an empty scope.
func NewScope(defaultAllow bool) *Scope {
	return &Scope{
		includeRules: make(map[string]Rule),
		excludeRules: make(map[string]Rule),
		defaultAllow: defaultAllow,
	}
}

// AddRule compiles pattern and adds it to the include or exclude set.
// A leading "-" on the pattern is stripped.
func (s *Scope) AddRule(pattern, matchType string, exclude bool) error {
	matchType, err := normalizeMatchType(matchType)
	if err != nil {
		return err
	}

	compiled, err := regexp.Compile(strings.TrimPrefix(pattern, "-"))
	if err != nil {
		return fmt.Errorf("compiling scope pattern : %w", err)
	}
	key := ruleKey(compiled.String(), matchType)

	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules(exclude)
	if _, exists := rules[key]; exists {
		return fmt.Errorf("adding %s : %w", key, ErrRuleExists)
	}
	rules[key] = Rule{Pattern: compiled, MatchType: matchType}
	return nil
}

// RemoveRule removes a rule previously added with the same arguments.
func (s *Scope) RemoveRule(pattern, matchType string, exclude bool) error {
	matchType, err := normalizeMatchType(matchType)
	if err != nil {
		return err
	}
	key := ruleKey(strings.TrimPrefix(pattern, "-"), matchType)

	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules(exclude)
	if _, exists := rules[key]; !exists {
		return fmt.Errorf("removing %s : %w", key, ErrRuleNotFound)
	}
	delete(rules, key)
	return nil
}

// ClearRules removes every include and exclude rule.
func (s *Scope) ClearRules() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includeRules = make(map[string]Rule)
	s.excludeRules = make(map[string]Rule)
}

// Matches reports whether a host and URL are in scope.
func (s *Scope) Matches(host, url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := func(rule Rule) string {
		if rule.MatchType == MatchHost {
			return host
		}
		return url
	}

	for _, rule := range s.excludeRules {
		if rule.Pattern.MatchString(target(rule)) {
			return false
		}
	}
	for _, rule := range s.includeRules {
		if rule.Pattern.MatchString(target(rule)) {
			return true
		}
	}
	return s.defaultAllow
}

// WillSend vetoes records whose request is out of scope. Log records always pass.
func (s *Scope) WillSend(record *domain.CaptureRecord) *domain.CaptureRecord {
	if record.Direction == domain.DirectionLog {
		return record
	}
	if !s.Matches(record.Host(), record.Request.URL) {
		return nil
	}
	return record
}

func (s *Scope) rules(exclude bool) map[string]Rule {
	if exclude {
		return s.excludeRules
	}
	return s.includeRules
}

func normalizeMatchType(matchType string) (string, error) {
	matchType = strings.ToLower(matchType)
	if matchType != MatchHost && matchType != MatchURL {
		return "", fmt.Errorf("%q : %w", matchType, ErrInvalidMatchType)
	}
	return matchType, nil
}

func ruleKey(pattern, matchType string) string {
	return pattern + "|" + matchType
}
