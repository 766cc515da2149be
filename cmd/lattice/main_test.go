package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"1", `"x"`, "plain", `[1,2]`, `{"a":true}`})
	assert.Equal(t, []any{
		float64(1),
		"x",
		"plain",
		[]any{float64(1), float64(2)},
		map[string]any{"a": true},
	}, got)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `["a",1]`, formatValue([]any{"a", 1}))
}

func TestLoadConfigDefaults(t *testing.T) {
	configFile = ""
	t.Setenv("LATTICE_HTTP_ADDR", ":9999")
	cfg, err := loadConfig()
	assert.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Daemon.HTTPAddr)
}
