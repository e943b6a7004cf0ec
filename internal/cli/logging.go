package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/agarnet/agar-node/internal/constants"
)

// logOutput receives the records of SetSlog. Commands print their results on stdout.
var logOutput io.Writer = os.Stderr

// SetSlog replaces the default logger with a text or JSON one at the level matching the
// verbose flag count.
//
// Every record is tagged with the player of the node when there is one, so that the logs of
// several nodes can be told apart once merged.
func SetSlog(level int, jsonLogs bool, player string) {
	opts := &slog.HandlerOptions{Level: getLevel(level)}

	var h slog.Handler = slog.NewTextHandler(logOutput, opts)
	if jsonLogs {
		h = slog.NewJSONHandler(logOutput, opts)
	}

	logger := slog.New(h)
	if player != "" {
		logger = logger.With("player", player)
	}
	slog.SetDefault(logger)
}

func getLevel(level int) slog.Level {
	switch level {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
