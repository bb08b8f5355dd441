package application

import "log/slog"

const ModuleName = "network-rewards/epoch-settlement-service"

func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
