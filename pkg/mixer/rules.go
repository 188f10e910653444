package mixer

import (
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// MatchType selects which part of a descriptor a rule looks at, and how
type MatchType int

const (
	NameIs MatchType = iota
	NameContains
	PathIs
	PathContains
	Always
)

const (
	// IgnoreCategory is the reserved category that tells the engine to leave a session alone
	IgnoreCategory = "Ignore"

	// the config may use "Ignore" as a rule type too; it forces IgnoreCategory and
	// matches everything unless it carries a pattern, which is then matched like NameIs
	ignoreRuleType = "Ignore"

	// volume applied to sessions no rule matched
	defaultVolume float32 = 0.5
)

var matchTypeNames = []string{"NameIs", "NameContains", "PathIs", "PathContains", "Always"}

func (t MatchType) String() string {
	if int(t) < 0 || int(t) >= len(matchTypeNames) {
		return fmt.Sprintf("MatchType(%d)", int(t))
	}

	return matchTypeNames[t]
}

// ParseMatchType converts a config rule type into a MatchType
func ParseMatchType(s string) (MatchType, error) {
	for idx, name := range matchTypeNames {
		if name == s {
			return MatchType(idx), nil
		}
	}

	return NameIs, fmt.Errorf("unknown rule type %q", s)
}

// Rule maps a display name or path to a category
type Rule struct {
	Type     MatchType
	Match    string
	Category string
}

// RuleConfig is the on-disk shape of a rule
type RuleConfig struct {
	Type     string `mapstructure:"Type" json:"Type"`
	Match    string `mapstructure:"Match" json:"Match"`
	Category string `mapstructure:"Category" json:"Category"`
}

func (r Rule) matches(displayName string, path string) bool {
	switch r.Type {
	case NameIs:
		return displayName == r.Match
	case NameContains:
		return strings.Contains(displayName, r.Match)
	case PathIs:
		return path == r.Match
	case PathContains:
		return strings.Contains(path, r.Match)
	case Always:
		return true
	}

	return false
}

func (r Rule) String() string {
	return fmt.Sprintf("<%s %q -> %s>", r.Type, r.Match, r.Category)
}

// Classify returns the category of the first rule matching the given descriptor,
// or an empty string if none did
func Classify(displayName string, path string, rules []Rule) string {
	for _, rule := range rules {
		if rule.matches(displayName, path) {
			return rule.Category
		}
	}

	return ""
}

// compileRules turns config rules into Rules. Problems are logged, never fatal:
// unknown types fall back to NameIs, undefined categories stay in place and simply never resolve a volume
func compileRules(logger *zap.SugaredLogger, section string, raw []RuleConfig, categoryNames []string) []Rule {
	rules := make([]Rule, 0, len(raw))
	alwaysSeen := -1

	for idx, rc := range raw {
		rule := Rule{
			Match:    rc.Match,
			Category: rc.Category,
		}

		if rc.Type == ignoreRuleType {
			rule.Type = Always
			if rc.Match != "" {
				rule.Type = NameIs
			}
			if rc.Category != "" && rc.Category != IgnoreCategory {
				logger.Warnw("Ignore rule names a category, it will be ignored regardless",
					"section", section, "index", idx, "category", rc.Category)
			}
			rule.Category = IgnoreCategory
		} else {
			matchType, err := ParseMatchType(rc.Type)
			if err != nil {
				logger.Errorw("Invalid rule type, defaulting to NameIs",
					"section", section, "index", idx, "type", rc.Type)
			}
			rule.Type = matchType
		}

		if rule.Category != IgnoreCategory && !funk.ContainsString(categoryNames, rule.Category) {
			logger.Warnw("Rule uses a category that is undefined in the Categories section",
				"section", section, "index", idx, "category", rule.Category)
		}

		if alwaysSeen >= 0 {
			logger.Warnw("Rule can never match, it follows an Always rule",
				"section", section, "index", idx, "alwaysIndex", alwaysSeen, "rule", rule)
		} else if rule.Type == Always {
			alwaysSeen = idx
		}

		rules = append(rules, rule)
	}

	return rules
}
