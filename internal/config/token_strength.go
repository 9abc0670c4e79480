package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakTokenScoreThreshold = 3

// IsWeakToken returns whether the server bearer token is easy to guess.
// An empty token disables auth, so it is not reported as weak.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(token, []string{"proxy", "aggregator", "subscription"})
	return result.Score < weakTokenScoreThreshold
}
