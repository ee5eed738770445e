// Package logx holds the process-wide logger the engine writes through.
package logx

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the shared logger. Setting DEBUG=true lowers the level so routing
// and probe decisions become visible.
var Log = log.Logger

func init() {
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Console output on stderr; structured fields stay intact.
	Log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
