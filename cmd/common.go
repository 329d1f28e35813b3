/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cqroot/prompt"
	"github.com/cqroot/prompt/input"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"notifeed/config"
	"notifeed/feed"
	"notifeed/models"
	"notifeed/provider"
	"notifeed/session"
)

// settings are the flags merged over the optional config file, flags win
type settings struct {
	provider provider.Config
	pageSize int
	compress bool
	server   config.TomlServer
}

func loadSettings(ctx *cli.Context) (*settings, error) {
	file := &config.TomlConfig{}
	if path := ctx.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		file = loaded
	}

	s := &settings{
		provider: provider.Config{
			APIKey:    firstSet(ctx.String("api-key"), file.APIKey),
			UserId:    firstSet(ctx.String("user-id"), file.UserId),
			UserToken: firstSet(ctx.String("user-token"), file.UserToken),
			Host:      firstSet(ctx.String("host"), file.Host),
			FeedId:    ctx.String("feed"),
		},
		compress: ctx.Bool("compress") || file.Compress,
		server:   file.Server,
	}

	if feedConfig, ok := file.Feed(s.provider.FeedId); ok {
		s.provider.FeedId = feedConfig.Id
		s.provider.Status = feedConfig.FilterStatus()
		s.pageSize = feedConfig.PageSize
	}

	if status := ctx.String("status"); status != "" {
		parsed, err := models.ParseFilterStatus(status)
		if err != nil {
			return nil, err
		}
		s.provider.Status = parsed
	}

	if s.provider.FeedId == "" {
		return nil, errors.New("please specify a feed with --feed or in the config file")
	}

	if s.provider.APIKey == "" {
		apiKey, err := prompt.New().Ask("API key:").Input("", input.WithEchoMode(input.EchoNone))
		if err != nil {
			return nil, err
		}
		s.provider.APIKey = strings.TrimSpace(apiKey)
	}

	return s, nil
}

func (s *settings) sessionOptions() []session.Option {
	opts := []session.Option{
		session.WithUserAgent("notifeed-cli"),
		session.WithCompression(s.compress),
	}
	if s.pageSize > 0 {
		opts = append(opts, session.WithStoreOptions(feed.WithPageSize(s.pageSize)))
	}
	return opts
}

func newProvider(ctx *cli.Context) (*provider.Provider, *settings, error) {
	s, err := loadSettings(ctx)
	if err != nil {
		return nil, nil, err
	}

	p, err := provider.New(s.provider, s.sessionOptions()...)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open feed session: %w", err)
	}
	return p, s, nil
}

// printStdout prints v as JSON on a single line
func printStdout(v interface{}) {
	data, err := json.Marshal(v)
	if err == nil {
		fmt.Fprintln(os.Stdout, string(data))
	}
}

func firstSet(values ...string) string {
	value, _ := lo.Coalesce(values...)
	return value
}
