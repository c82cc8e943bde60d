package mongoutil

import (
	"testing"

	"PChat/tools/errs"

	"github.com/stretchr/testify/require"
)

func TestValidateAndSetDefaults(t *testing.T) {
	t.Run("missing address", func(t *testing.T) {
		c := &Config{Database: "chat"}
		require.ErrorIs(t, c.ValidateAndSetDefaults(), errs.ErrArgs)
	})
	t.Run("missing database", func(t *testing.T) {
		c := &Config{Uri: "mongodb://localhost:27017"}
		require.ErrorIs(t, c.ValidateAndSetDefaults(), errs.ErrArgs)
	})
	t.Run("builds uri from address", func(t *testing.T) {
		c := &Config{Address: []string{"a:27017", "b:27017"}, Database: "chat", Username: "u", Password: "p"}
		require.NoError(t, c.ValidateAndSetDefaults())
		require.Equal(t, "mongodb://u:p@a:27017,b:27017/chat?authSource=chat&maxPoolSize=100", c.Uri)
		require.Equal(t, defaultMaxRetry, c.MaxRetry)
	})
	t.Run("no credentials", func(t *testing.T) {
		c := &Config{Address: []string{"a:27017"}, Database: "chat", AuthSource: "admin", MaxPoolSize: 5}
		require.NoError(t, c.ValidateAndSetDefaults())
		require.Equal(t, "mongodb://a:27017/chat?authSource=admin&maxPoolSize=5", c.Uri)
	})
}
