package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceEnvVars(t *testing.T) {
	t.Setenv("MY_HOST", "redis.internal")

	out, err := ReplaceEnvVars(`{"host": "${my_host}"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"host": "redis.internal"}`, out)
}

func TestReplaceEnvVars_Unresolved(t *testing.T) {
	_, ok := os.LookupEnv("DEFINITELY_NOT_SET_EVER")
	require.False(t, ok)

	_, err := ReplaceEnvVars(`{"host": "${definitely_not_set_ever}"}`)
	assert.Error(t, err)
}

func TestReplaceConfigArgs_Auto(t *testing.T) {
	type leaf struct {
		Impl string `mapstructure:"impl"`
	}
	type tree struct {
		Events map[string]*leaf `mapstructure:"events"`
	}
	cfg := &tree{Events: map[string]*leaf{
		"my_event": {Impl: "{auto}"},
	}}

	err := ReplaceConfigArgs(cfg, "myapp.1x0")
	require.NoError(t, err)
	assert.Equal(t, "myapp.1x0.events.my_event.impl", cfg.Events["my_event"].Impl)
}

func TestReplaceConfigArgs_DottedReference(t *testing.T) {
	type tree struct {
		Name    string `mapstructure:"name"`
		Derived string `mapstructure:"derived"`
	}
	cfg := &tree{Name: "orders", Derived: "stream.{name}.events"}

	err := ReplaceConfigArgs(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "stream.orders.events", cfg.Derived)
}

func TestReplaceConfigArgs_ChainedReferenceResolvesInTwoPasses(t *testing.T) {
	type inner struct {
		C string `mapstructure:"c"`
	}
	type tree struct {
		A       inner  `mapstructure:"a"`
		B       string `mapstructure:"b"`
		RefAB   string `mapstructure:"ref_ab"`
		RefABC  string `mapstructure:"ref_abc"`
	}
	cfg := &tree{
		A:      inner{C: "leaf"},
		B:      "{a.c}-collision",
		RefAB:  "{b}",
		RefABC: "{a.c}",
	}

	err := ReplaceConfigArgs(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "leaf", cfg.RefABC)
	assert.Equal(t, "leaf-collision", cfg.B)
	assert.Equal(t, "leaf-collision", cfg.RefAB)
}

func TestAppConfig_AppKey(t *testing.T) {
	cfg := &AppConfig{Name: "myapp", Version: "1.0"}
	assert.Equal(t, "myapp.1.0", cfg.AppKey())
}
