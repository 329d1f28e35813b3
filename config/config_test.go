package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifeed/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifeed.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
api_key = "pk_test"
user_id = "u1"
host = "http://localhost:4001"
compress = true

[server]
host = "0.0.0.0"
port = 3000
allow_origins = "http://localhost:3001"

[[feeds]]
id = "in-app"
status = "unread"
page_size = 25

[[feeds]]
id = "digest"
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "pk_test", config.APIKey)
	assert.Equal(t, "u1", config.UserId)
	assert.Equal(t, "http://localhost:4001", config.Host)
	assert.True(t, config.Compress)
	assert.Equal(t, 3000, config.Server.Port)
	require.Len(t, config.Feeds, 2)

	feed, ok := config.Feed("in-app")
	require.True(t, ok)
	assert.Equal(t, models.StatusUnread, feed.FilterStatus())
	assert.Equal(t, 25, feed.PageSize)

	feed, ok = config.Feed("digest")
	require.True(t, ok)
	assert.Equal(t, models.StatusAll, feed.FilterStatus())

	feed, ok = config.Feed("")
	require.True(t, ok)
	assert.Equal(t, "in-app", feed.Id)

	_, ok = config.Feed("missing")
	assert.False(t, ok)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid toml", content: `api_key = `},
		{name: "missing feed id", content: "[[feeds]]\nstatus = \"all\""},
		{name: "duplicate feed", content: "[[feeds]]\nid = \"a\"\n[[feeds]]\nid = \"a\""},
		{name: "unknown status", content: "[[feeds]]\nid = \"a\"\nstatus = \"starred\""},
		{name: "negative page size", content: "[[feeds]]\nid = \"a\"\npage_size = -1"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, test.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
