package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommands(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"index", []string{"index", "-w", "4", "--keys", "5000"}},
		{"index presized", []string{"index", "-w", "2", "--keys", "2000", "--presize"}},
		{"lock", []string{"lock", "-w", "4", "--ops", "2000", "--write-every", "50"}},
		{"lock upgrade", []string{"lock", "-w", "4", "--ops", "2000", "--write-every", "50", "--upgrade"}},
		{"querycache lru", []string{"querycache", "-w", "4", "--ops", "2000", "--queries", "300", "--budget", "50", "--ref=false"}},
		{"querycache ref", []string{"querycache", "-w", "4", "--ops", "2000", "--queries", "300", "--ref"}},
		{"intern", []string{"intern", "-w", "4", "--strings", "3000", "--hot", "64"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rootCmd.SetArgs(append(tt.args, "--log-level", "error"))
			require.NoError(t, rootCmd.Execute())
		})
	}
}

func TestSetupRejectsBadFlags(t *testing.T) {
	rootCmd.SetArgs([]string{"index", "-w", "0"})
	assert.Error(t, rootCmd.Execute())

	rootCmd.SetArgs([]string{"index", "-w", "1", "--keys", "10", "--log-level", "loud"})
	assert.Error(t, rootCmd.Execute())
}

func TestParseLevel(t *testing.T) {
	l, err := parseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", l.String())
	_, err = parseLevel("verbose")
	assert.Error(t, err)
}
