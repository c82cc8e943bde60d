package config

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"PChat/tools/errs"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func withGlobal(t *testing.T) {
	saved := Global
	t.Cleanup(func() { Global = saved })
}

func TestLoad(t *testing.T) {
	t.Run("defaults survive when env is empty", func(t *testing.T) {
		withGlobal(t)
		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, 5*time.Minute, cfg.Presence.TTL)
		require.Equal(t, 7*24*time.Hour, cfg.Mailbox.TTL)
		require.Equal(t, "chat.message.events", cfg.Kafka.MessageTopic)
	})

	t.Run("env overrides nested sections", func(t *testing.T) {
		withGlobal(t)
		t.Setenv("BUS_DRIVER", "memory")
		t.Setenv("REDIS_ADDR", "redis:6380")
		t.Setenv("PRESENCE_TTL", "90s")
		t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, BusMemory, cfg.BusDriver)
		require.Equal(t, "redis:6380", cfg.Redis.Addr)
		require.Equal(t, 90*time.Second, cfg.Presence.TTL)
		require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		require.Equal(t, BusMemory, Global.BusDriver)
	})

	t.Run("env file is applied", func(t *testing.T) {
		withGlobal(t)
		dir := t.TempDir()
		file := filepath.Join(dir, "test.env")
		require.NoError(t, os.WriteFile(file, []byte("NODE_ID=from-file\n"), 0o600))
		t.Cleanup(func() { _ = os.Unsetenv("NODE_ID") })

		cfg, err := Load(file)
		require.NoError(t, err)
		require.Equal(t, "from-file", cfg.NodeID)
	})

	t.Run("node identity derived from host when unset", func(t *testing.T) {
		withGlobal(t)
		cfg, err := Load()
		require.NoError(t, err)
		host, err := os.Hostname()
		require.NoError(t, err)
		require.Equal(t, host+"-"+strconv.Itoa(os.Getpid()), cfg.NodeID)
		require.Equal(t, int64(crc32.ChecksumIEEE([]byte(cfg.NodeID))%1024), cfg.SnowflakeNode)
	})

	t.Run("explicit node identity wins", func(t *testing.T) {
		withGlobal(t)
		t.Setenv("NODE_ID", "chat-b")
		t.Setenv("SNOWFLAKE_NODE", "0")

		cfg, err := Load()
		require.NoError(t, err)
		require.Equal(t, "chat-b", cfg.NodeID)
		require.Zero(t, cfg.SnowflakeNode)
		require.Equal(t, "chat-b", Global.NodeID)
	})

	t.Run("invalid driver is rejected", func(t *testing.T) {
		withGlobal(t)
		t.Setenv("STORE_DRIVER", "sqlite")

		_, err := Load()
		require.Error(t, err)
		require.True(t, errors.Is(err, errs.ErrArgs))
		require.Equal(t, StoreMongo, Global.StoreDriver)
	})
}
