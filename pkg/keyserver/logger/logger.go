package logger

import "go.uber.org/zap"

// Provide returns a zap logger configured for the application.
// Development mode switches to the human-readable console encoder.
func Provide(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
