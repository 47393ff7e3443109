package discord

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/bwmarrin/discordgo"
)

// RouteLogs sends discordgo's internal log output to logger at the
// matching slog level.
func RouteLogs(logger *slog.Logger) {
	discordgo.Logger = func(msgL, caller int, format string, a ...any) {
		level := slogLevel(msgL)
		if !logger.Enabled(context.Background(), level) {
			return
		}
		attrs := []any{"source", "discordgo"}
		if _, file, line, ok := runtime.Caller(caller + 1); ok {
			attrs = append(attrs, "caller", fmt.Sprintf("%s:%d", file, line))
		}
		logger.Log(context.Background(), level, fmt.Sprintf(format, a...), attrs...)
	}
}

func slogLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogError:
		return slog.LevelError
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogInformational:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
