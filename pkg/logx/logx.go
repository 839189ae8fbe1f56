// Package logx wraps the process-wide zerolog logger. Production runs emit
// structured JSON at info level; everything else gets a console writer at
// debug level.
package logx

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Opts struct {
	Environment string
}

func Init(opts Opts) {
	if opts.Environment == "production" {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
		return
	}
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Caller().Logger()
	log.Logger = log.Logger.Level(zerolog.DebugLevel)
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
