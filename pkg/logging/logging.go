package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetLogger returns the global logger tagged with a component name. The
// global logger itself is configured by glazed from the --log-* flags.
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
