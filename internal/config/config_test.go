package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "Storages": [
    {
      "Type": "s3",
      "Endpoint": "https://s3.example.com",
      "AccessKey": "key",
      "SecretKey": "secret",
      "Region": "us-east-1",
      "Bucket": "backups",
      "KeyPrefix": "hourly/"
    }
  ],
  "Targets": [
    {
      "Name": "site-{year}-{month}-{day}.zip",
      "Packer": { "Password": "hunter2" },
      "Backup": {
        "Directories": [ { "Source": "/var/www", "Output": "www" } ],
        "Commands": [
          {
            "Command": "pg_dump",
            "Args": ["-f", "%BKP_CMD_TMPFILE%"],
            "Env": { "PGPASSWORD": "pw" },
            "Output": "db.sql"
          }
        ]
      }
    }
  ]
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Storages, 1)
	assert.Equal(t, "backups", cfg.Storages[0].Bucket)
	assert.Equal(t, "hourly/", cfg.Storages[0].KeyPrefix)

	require.Len(t, cfg.Targets, 1)
	target := cfg.Targets[0]
	assert.Equal(t, "site-{year}-{month}-{day}.zip", target.DisplayName())
	assert.Equal(t, "hunter2", target.Password())
	assert.True(t, target.HasActions())

	require.Len(t, target.Directories(), 1)
	assert.Equal(t, Directory{Source: "/var/www", Output: "www"}, target.Directories()[0])

	require.Len(t, target.Commands(), 1)
	cmd := target.Commands()[0]
	assert.Equal(t, "pg_dump", cmd.Command)
	assert.Equal(t, []string{"-f", "%BKP_CMD_TMPFILE%"}, cmd.Args)
	assert.Equal(t, map[string]string{"PGPASSWORD": "pw"}, cmd.Env)
	assert.Equal(t, "db.sql", cmd.Output)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid json",
			content: `{"Targets": [`,
			wantErr: "failed to read config",
		},
		{
			name:    "missing targets",
			content: `{"Storages": []}`,
			wantErr: "missing targets",
		},
		{
			name:    "missing storages",
			content: `{"Targets": []}`,
			wantErr: "missing storages",
		},
		{
			name:    "missing bucket",
			content: `{"Targets": [], "Storages": [{"Endpoint": "e", "AccessKey": "a", "SecretKey": "s", "Region": "r"}]}`,
			wantErr: "no bucket specified",
		},
		{
			name:    "missing access key",
			content: `{"Targets": [], "Storages": [{"Endpoint": "e", "SecretKey": "s", "Region": "r", "Bucket": "b"}]}`,
			wantErr: "missing access_key",
		},
		{
			name:    "unsupported type",
			content: `{"Targets": [], "Storages": [{"Type": "gcs", "Endpoint": "e", "AccessKey": "a", "SecretKey": "s", "Region": "r", "Bucket": "b"}]}`,
			wantErr: "unsupported storage type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't exist")

	_, err = Load("")
	require.Error(t, err)
}

func TestValidate_Sentinels(t *testing.T) {
	err := (&Config{Storages: []Storage{}}).Validate()
	assert.ErrorIs(t, err, ErrNoTargets)

	err = (&Config{Targets: []Target{}}).Validate()
	assert.ErrorIs(t, err, ErrNoStorages)

	assert.NoError(t, (&Config{Targets: []Target{}, Storages: []Storage{}}).Validate())
}

func TestTargetDefaults(t *testing.T) {
	var target Target

	assert.Equal(t, DefaultTargetName, target.DisplayName())
	assert.Empty(t, target.Password())
	assert.Nil(t, target.Directories())
	assert.Nil(t, target.Commands())
	assert.False(t, target.HasActions())

	target.Backup = &Backup{}
	assert.False(t, target.HasActions())

	target.Backup.Commands = []Command{{Command: "true"}}
	assert.True(t, target.HasActions())
}
