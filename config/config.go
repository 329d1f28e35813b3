package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"notifeed/models"
)

// TomlFeed represents a feed to follow
type TomlFeed struct {
	Id       string `toml:"id"`
	Status   string `toml:"status,omitempty"`
	PageSize int    `toml:"page_size,omitempty"`
}

// TomlServer holds relay server settings
type TomlServer struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	AllowOrigins string `toml:"allow_origins,omitempty"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	APIKey    string     `toml:"api_key"`
	UserId    string     `toml:"user_id"`
	UserToken string     `toml:"user_token,omitempty"`
	Host      string     `toml:"host,omitempty"`
	Compress  bool       `toml:"compress,omitempty"`
	Feeds     []TomlFeed `toml:"feeds"`
	Server    TomlServer `toml:"server"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks feed entries; credentials may still come from flags
func (c *TomlConfig) Validate() error {
	seen := make(map[string]bool, len(c.Feeds))
	for i, feed := range c.Feeds {
		if feed.Id == "" {
			return fmt.Errorf("feed %d: id is required", i)
		}
		if seen[feed.Id] {
			return fmt.Errorf("feed %s: defined more than once", feed.Id)
		}
		seen[feed.Id] = true

		if _, err := models.ParseFilterStatus(feed.Status); err != nil {
			return fmt.Errorf("feed %s: %w", feed.Id, err)
		}
		if feed.PageSize < 0 {
			return fmt.Errorf("feed %s: page_size must be positive", feed.Id)
		}
	}
	return nil
}

// Feed returns the entry for id, or the first feed when id is empty
func (c *TomlConfig) Feed(id string) (TomlFeed, bool) {
	for _, feed := range c.Feeds {
		if id == "" || feed.Id == id {
			return feed, true
		}
	}
	return TomlFeed{}, false
}

// FilterStatus parses the configured status, empty meaning all
func (f TomlFeed) FilterStatus() models.FilterStatus {
	status, err := models.ParseFilterStatus(f.Status)
	if err != nil {
		return models.StatusAll
	}
	return status
}
