package store

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	"github.com/agentpager/agentpager/internal/risk"
)

// CheckTrustRule reports whether any persisted trust rule auto-approves the
// given tool call. Session-scoped rules are considered before global ones;
// the first match wins. A rule matches when the tool is equal, the request
// risk is at or below the rule's risk_max, the target pattern (if any)
// matches the target, and the rule's scope covers the session.
func (s *Store) CheckTrustRule(ctx context.Context, tool, target string, level risk.Level, sessionID string) (bool, error) {
	rules, err := s.TrustRulesFor(ctx, tool, sessionID)
	if err != nil {
		return false, err
	}

	for _, rule := range rules {
		riskMax, err := risk.ParseLevel(rule.RiskMax)
		if err != nil {
			s.logger.Warn("trust rule has invalid risk_max",
				zap.Int64("rule_id", rule.ID), zap.String("risk_max", rule.RiskMax))
			continue
		}
		if !level.LessOrEqual(riskMax) {
			continue
		}
		if rule.TargetPattern != "" {
			re, err := regexp.Compile(rule.TargetPattern)
			if err != nil {
				s.logger.Warn("trust rule has invalid target pattern",
					zap.Int64("rule_id", rule.ID), zap.String("pattern", rule.TargetPattern))
				continue
			}
			if !re.MatchString(target) {
				continue
			}
		}
		return true, nil
	}
	return false, nil
}
