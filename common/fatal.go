package common

import "github.com/rs/zerolog/log"

// Panicf reports an invariant violation. These indicate bugs, not
// runtime failures, so the process does not attempt to continue.
func Panicf(format string, args ...any) {
	log.Panic().Msgf(format, args...)
}
