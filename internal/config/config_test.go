package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newBoundViper(t *testing.T) (*viper.Viper, *pflag.FlagSet) {
	t.Helper()
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, v))
	require.NoError(t, fs.Parse(nil))
	return v, fs
}

func TestLoad_Defaults(t *testing.T) {
	v, _ := newBoundViper(t)
	v.Set("db-connection", "postgres://localhost/castella")
	v.Set("oauth-refresh-token", "refresh-token")

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, "10000/100", cfg.DriveRequestLimit)
	require.Equal(t, "700000/86400", cfg.DriveUploadLimit)
	require.Equal(t, "127.0.0.1:1707", cfg.ServerEndpoint)
	require.Equal(t, int64(102400*1024*1024), cfg.MaxUploadSizeBytes())
}

func TestLoad_RequiresDBConnection(t *testing.T) {
	v, _ := newBoundViper(t)
	v.Set("oauth-refresh-token", "refresh-token")

	_, err := Load(v)
	require.Error(t, err)
}

func TestLoad_RequiresRefreshToken(t *testing.T) {
	v, _ := newBoundViper(t)
	v.Set("db-connection", "postgres://localhost/castella")

	_, err := Load(v)
	require.Error(t, err)
}

func TestLoad_EnvFallback(t *testing.T) {
	v, _ := newBoundViper(t)
	t.Setenv("CS_DB_CONNECTION", "postgres://localhost/castella")
	t.Setenv("CS_OAUTH_REFRESH_TOKEN", "refresh-token")
	t.Setenv("CS_LOG_LEVEL", "debug")

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
}
