package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TIME_ZONE", "UTC")

	cfg, err := Load()
	req.NoError(err)
	req.Equal("redis", cfg.BusKind)
	req.Equal("scylla", cfg.StoreKind)
	req.Equal([]string{"localhost:19092"}, cfg.Brokers())
	req.Equal([]string{"localhost:9042"}, cfg.Scylla())
}

func TestLoad_Requires_Secret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Rejects_Unknown_Bus(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("TIME_ZONE", "UTC")
	t.Setenv("BUS_KIND", "carrier-pigeon")
	_, err := Load()
	require.ErrorContains(t, err, "BUS_KIND")
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, ,b:2 "))
	require.Empty(t, splitList(""))
}
