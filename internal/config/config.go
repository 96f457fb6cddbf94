// Package config binds the gateway's CLI flags and their environment-variable
// fallbacks, mirroring the flag/env table the original implementation's
// command-line parser defines.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// HardwareConfig toggles CPU-specific AEAD acceleration paths.
type HardwareConfig struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// Config holds every operator-configurable knob of the gateway.
type Config struct {
	LogLevel string

	DBConnection string

	ClientUserAgent    string
	ClientProxy        string
	ClientAllowInsecure bool

	OAuthClientID     string
	OAuthClientSecret string
	OAuthRefreshToken string

	DriveRequestLimit string
	DriveUploadLimit  string

	ServerEndpoint       string
	ServerMaxUploadSize  int64 // MiB

	Hardware HardwareConfig
}

// BindFlags registers every CLI flag (with its environment fallback bound
// through viper) on fs, matching the table in SPEC_FULL.md §AMBIENT.2.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("log-level", "warn", "logging verbosity (trace, debug, info, warn, error)")
	fs.String("db-connection", "", "PostgreSQL connection URL (required)")
	fs.String("client-user-agent", "castella-gateway", "User-Agent sent on outbound HTTP requests")
	fs.String("client-proxy", "", "HTTP(S) proxy URL for outbound requests")
	fs.Bool("client-allow-insecure", false, "allow outbound requests over plain (non-https) HTTP")
	fs.String("oauth-client-id", "", "OAuth2 client ID")
	fs.String("oauth-client-secret", "", "OAuth2 client secret")
	fs.String("oauth-refresh-token", "", "OAuth2 refresh token (required)")
	fs.String("drive-request-limit", "10000/100", "remote request rate limit, burst/period_s")
	fs.String("drive-upload-limit", "700000/86400", "remote upload bandwidth limit, MiB/period_s")
	fs.String("server-endpoint", "127.0.0.1:1707", "HTTP listen address")
	fs.Int64("server-max-upload-size", 102400, "maximum accepted upload size in MiB")
	fs.Bool("hardware-aes-ni", true, "allow AES-NI acceleration when available")
	fs.Bool("hardware-armv8-aes", true, "allow ARMv8 AES acceleration when available")

	envBindings := map[string]string{
		"log-level":              "CS_LOG_LEVEL",
		"db-connection":          "CS_DB_CONNECTION",
		"client-user-agent":      "CS_CLIENT_USER_AGENT",
		"client-proxy":           "CS_CLIENT_PROXY",
		"client-allow-insecure":  "CS_CLIENT_ALLOW_INSECURE",
		"oauth-client-id":        "CS_OAUTH_CLIENT_ID",
		"oauth-client-secret":    "CS_OAUTH_CLIENT_SECRET",
		"oauth-refresh-token":    "CS_OAUTH_REFRESH_TOKEN",
		"drive-request-limit":    "CS_DRIVE_REQUEST_LIMIT",
		"drive-upload-limit":     "CS_DRIVE_UPLOAD_LIMIT",
		"server-endpoint":        "CS_SERVER_ENDPOINT",
		"server-max-upload-size": "CS_SERVER_MAX_UPLOAD_SIZE",
	}
	for flag, env := range envBindings {
		if err := v.BindEnv(flag, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return v.BindPFlags(fs)
}

// Load reads the bound values out of v into a Config, validating the
// required fields per SPEC_FULL.md §AMBIENT.2.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		LogLevel:            v.GetString("log-level"),
		DBConnection:        v.GetString("db-connection"),
		ClientUserAgent:     v.GetString("client-user-agent"),
		ClientProxy:         v.GetString("client-proxy"),
		ClientAllowInsecure: v.GetBool("client-allow-insecure"),
		OAuthClientID:       v.GetString("oauth-client-id"),
		OAuthClientSecret:   v.GetString("oauth-client-secret"),
		OAuthRefreshToken:   v.GetString("oauth-refresh-token"),
		DriveRequestLimit:   v.GetString("drive-request-limit"),
		DriveUploadLimit:    v.GetString("drive-upload-limit"),
		ServerEndpoint:      v.GetString("server-endpoint"),
		ServerMaxUploadSize: v.GetInt64("server-max-upload-size"),
		Hardware: HardwareConfig{
			EnableAESNI:    v.GetBool("hardware-aes-ni"),
			EnableARMv8AES: v.GetBool("hardware-armv8-aes"),
		},
	}

	if cfg.DBConnection == "" {
		return nil, fmt.Errorf("--db-connection (CS_DB_CONNECTION) is required")
	}
	if cfg.OAuthRefreshToken == "" {
		return nil, fmt.Errorf("--oauth-refresh-token (CS_OAUTH_REFRESH_TOKEN) is required")
	}
	return cfg, nil
}

// MaxUploadSizeBytes converts the configured MiB limit to bytes.
func (c *Config) MaxUploadSizeBytes() int64 {
	return c.ServerMaxUploadSize * 1024 * 1024
}
