package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgument(t *testing.T) {
	assert.Equal(t, true, parseArgument("true"))
	assert.Equal(t, 60134.0, parseArgument("60134"))
	assert.Equal(t, "60134", parseArgument(`"60134"`))
	assert.Equal(t, map[string]interface{}{"freq_mhz": 8090.0}, parseArgument(`{"freq_mhz": 8090}`))
	assert.Equal(t, "freq_IF 1090", parseArgument("freq_IF 1090"))
	assert.Equal(t, "bench_run", parseArgument("bench_run"))
}

func TestRecorderSubcommands(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"recorder", "set", "drf_sink.capture_name", "bench"}, "set <key> <value>"},
		{[]string{"recorder", "reload"}, "reload"},
	} {
		cmd, _, err := rootCmd.Find(tc.args)
		require.NoError(t, err)
		assert.Equal(t, tc.want, cmd.Use)
	}

	assert.Error(t, recorderSetCmd.Args(recorderSetCmd, []string{"only-key"}))
	assert.NotNil(t, recorderReloadCmd.Flags().Lookup("rate"))
}
