package main

import (
	"log/slog"

	"github.com/duetchat/signaling-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ConnectRateCapacity <= 0 {
		logger.Warn("startup security warning: CONNECT_RATE_CAPACITY is unset/0 (unlimited connection attempts) while --mode=prod",
			"warning_code", "connect_rate_unlimited_in_prod",
			"connect_rate_capacity", cfg.ConnectRateCapacity,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MessageRateCapacity <= 0 {
		logger.Warn("startup security warning: MESSAGE_RATE_CAPACITY is unset/0 (unlimited signaling messages) while --mode=prod",
			"warning_code", "message_rate_unlimited_in_prod",
			"message_rate_capacity", cfg.MessageRateCapacity,
			"mode", cfg.Mode,
		)
	}

	// Warn if the transport frame cap is unusually large, since this weakens the
	// relay's oversized message DoS hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
