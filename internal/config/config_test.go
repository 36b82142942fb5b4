package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDriverDefaults(t *testing.T) {
	t.Setenv("REMOTE_DRIVER", DriverMemory)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, int64(8), cfg.Remote.MaxInflight)
	assert.Equal(t, 30*time.Second, cfg.Sync.ResubscribeInterval)
	assert.Equal(t, 5, cfg.Sync.LowStockThreshold)
	assert.False(t, cfg.Sheets.Enabled())
	assert.Empty(t, cfg.Server.AllowedOrigins)
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv("REMOTE_DRIVER", DriverMemory)
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://counter.local , ,http://localhost:3000")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://counter.local", "http://localhost:3000"}, cfg.Server.AllowedOrigins)
}

func TestLoad_MongoRequiresURI(t *testing.T) {
	t.Setenv("REMOTE_DRIVER", DriverMongoDB)
	t.Setenv("MONGODB_URI", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "MONGODB_URI")
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("REMOTE_DRIVER", DriverMemory)
	t.Setenv("REMOTE_TIMEOUT", "soon")
	t.Setenv("LOW_STOCK_THRESHOLD", "few")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "REMOTE_TIMEOUT")
	assert.ErrorContains(t, err, "LOW_STOCK_THRESHOLD")
}

func TestValidate_SheetsNeedCredentials(t *testing.T) {
	t.Setenv("REMOTE_DRIVER", DriverMemory)
	t.Setenv("GOOGLE_SHEET_DATABASE_ID", "sheet-1")
	t.Setenv("GOOGLE_SHEETS_CREDENTIALS_PATH", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.ErrorContains(t, err, "GOOGLE_SHEETS_CREDENTIALS_PATH")
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: "8080"},
		Local:  LocalConfig{DBPath: "x.db"},
		Remote: RemoteConfig{Driver: "firestore"},
	}
	assert.ErrorContains(t, cfg.Validate(), "REMOTE_DRIVER")
}
