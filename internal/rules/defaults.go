package rules

import (
	"strings"

	"flowguard/pkg/model"
)

// 未配置规则文件时使用的内置规则
var builtinRules = []model.PatternRule{
	{Name: "aws_access_key", Pattern: `AKIA[0-9A-Z]{16}`, Severity: model.SeverityCritical},
	{Name: "private_key", Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`, Severity: model.SeverityCritical},
	{Name: "github_token", Pattern: `(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`, Severity: model.SeverityHigh},
	{Name: "jwt", Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`, Severity: model.SeverityHigh},
	{Name: "bearer_token", Pattern: `Bearer [A-Za-z0-9\-._~+/]+=*`, Severity: model.SeverityHigh},
	{Name: "credit_card", Pattern: `\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}\b`, Severity: model.SeverityCritical, Check: luhnValid},
	{Name: "ssn", Pattern: `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, Severity: model.SeverityHigh},
	{Name: "api_key", Pattern: `(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*\S+`, Severity: model.SeverityMedium},
	{Name: "email", Pattern: `[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`, Severity: model.SeverityLow},
}

// DefaultRules 返回内置规则副本
func DefaultRules() []model.PatternRule {
	out := make([]model.PatternRule, len(builtinRules))
	copy(out, builtinRules)
	return out
}

// luhnValid 卡号 Luhn 校验
func luhnValid(number string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)

	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}
