// Package obslog constructs the *zap.Logger shared by the hub and node
// processes. Grounded on main.go's zap.NewProduction() call, generalized
// to pick development vs. production encoding from config instead of
// always using the production JSON encoder.
package obslog

import "go.uber.org/zap"

// New builds a logger for env ("development" or anything else treated
// as production). Development uses the console encoder with debug
// level; production uses the JSON encoder at info level, matching
// zap.NewDevelopment()/zap.NewProduction() defaults.
func New(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Must builds a logger and falls back to zap.NewNop() on construction
// error rather than panicking, since logger setup must never prevent a
// hub or node process from starting.
func Must(env string) *zap.Logger {
	logger, err := New(env)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
