package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festibox/shop/internal/config"
)

func TestTimeCursorRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := "ord_abc123"

	decodedTime, decodedID, err := ParseTimeCursor(EncodeTimeCursor(now, id))
	require.NoError(t, err)
	assert.True(t, decodedTime.Equal(now))
	assert.Equal(t, id, decodedID)
}

func TestPositionCursor(t *testing.T) {
	pos, id, ok, err := ParsePositionCursor(EncodePositionCursor(30, "prd_1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30, pos)
	assert.Equal(t, "prd_1", id)

	_, _, ok, err = ParsePositionCursor("")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorRejectsGarbage(t *testing.T) {
	for _, c := range []string{"nocolon", "x:id", "12:"} {
		_, _, err := ParseTimeCursor(c)
		assert.ErrorIs(t, err, ErrInvalidCursor, c)

		_, _, _, err = ParsePositionCursor(c)
		assert.ErrorIs(t, err, ErrInvalidCursor, c)
	}
	_, _, err := ParseTimeCursor("x:id")
	assert.EqualError(t, err, "invalid cursor value")
}

func TestDSN(t *testing.T) {
	_, err := DSN(config.DatabaseSection{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	dsn, err := DSN(config.Default().Database)
	assert.ErrorIs(t, err, ErrNotConfigured, "defaults carry no host")
	assert.Empty(t, dsn)

	cfg := config.Default().Database
	cfg.Host = "db"
	dsn, err = DSN(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://postgres:postgres@db:5432/festibox?sslmode=disable", dsn)

	cfg.URL = "postgres://u:p@elsewhere/x"
	dsn, err = DSN(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@elsewhere/x", dsn)
}

func TestWhereNumbersPlaceholders(t *testing.T) {
	var w Where
	assert.Equal(t, "TRUE", w.SQL())

	w.Add("status = ?", "paid")
	w.Add("(created_at, id) < (?, ?)", "t", "ord_1")
	limit := w.Arg(51)

	assert.Equal(t, "status = $1 AND (created_at, id) < ($2, $3)", w.SQL())
	assert.Equal(t, "$4", limit)
	assert.Equal(t, []any{"paid", "t", "ord_1", 51}, w.Args())
}

func TestListCacheExpiryAndInvalidate(t *testing.T) {
	now := time.Now()
	c := NewListCache[[]string](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("orders|paid|50", []string{"a"})
	c.Set("products|all|50", []string{"b"})

	got, ok := c.Get("orders|paid|50")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, got)

	c.Invalidate("orders|")
	_, ok = c.Get("orders|paid|50")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("products|all|50")
	assert.False(t, ok, "expired entries are misses")

	c.Invalidate("")
	assert.Equal(t, 0, c.Len())
}

func TestListCacheDisabledWithZeroTTL(t *testing.T) {
	c := NewListCache[int](0)
	c.Set("k", 1)
	_, ok := c.Get("k")
	assert.False(t, ok)
}
