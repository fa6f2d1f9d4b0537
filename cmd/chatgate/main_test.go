package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhub/cortex-chatgate/internal/config"
	"github.com/cortexhub/cortex-chatgate/internal/credential"
)

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		st, err := openStore(&config.Config{Store: config.StoreConfig{Backend: "memory"}})
		require.NoError(t, err)
		defer st.Close()
		assert.NoError(t, st.Ping(context.Background()))
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chatgate.db")
		st, err := openStore(&config.Config{Store: config.StoreConfig{Backend: "sqlite", Path: path}})
		require.NoError(t, err)
		defer st.Close()
		assert.NoError(t, st.Ping(context.Background()))
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := openStore(&config.Config{Store: config.StoreConfig{Backend: "etcd"}})
		assert.Error(t, err)
	})
}

func TestBuildAdapters(t *testing.T) {
	cfg := &config.Config{}
	assert.Empty(t, buildAdapters(cfg, nil))

	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "t"}
	cfg.Channels.Discord = config.DiscordConfig{Enabled: true, Token: "d"}
	cfg.Channels.WebChat = config.WebChatConfig{Enabled: true, Port: 18811}

	var names []string
	for _, ad := range buildAdapters(cfg, nil) {
		names = append(names, ad.Name())
	}
	assert.Equal(t, []string{"telegram", "discord", "webchat"}, names)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CHATGATE_CONFIG", "/etc/chatgate.yaml")

	cfgFile = ""
	assert.Equal(t, "/etc/chatgate.yaml", configPath())

	cfgFile = "local.yaml"
	defer func() { cfgFile = "" }()
	assert.Equal(t, "local.yaml", configPath())
}

func TestHashSecretCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"hash-secret", "--cost", "4", "open sesame"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())

	hash := strings.TrimSpace(out.String())
	s, err := credential.NewFromHash(hash)
	require.NoError(t, err)
	assert.True(t, s.Verify("open sesame"))
	assert.False(t, s.Verify("open sesame "))
}
