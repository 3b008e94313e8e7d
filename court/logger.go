package court

import "log/slog"

// ResolveLogger falls back to the process default when logger is nil.
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
