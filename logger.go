package meshrpc

import (
	"log/slog"
	"os"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Call this once at program startup, before constructing any
// TransportSocketCache or Gateway. level controls the minimum log level
// (e.g. slog.LevelInfo, slog.LevelDebug). Source file/line is attached at
// slog.LevelDebug and below, where the noise of a socket-by-socket dial
// trace needs a way back to the call site.
func InitLogger(level slog.Level) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})
	slog.SetDefault(slog.New(handler))
}
