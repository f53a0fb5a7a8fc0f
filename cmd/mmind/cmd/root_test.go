package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modularmind/modularmind/pkg/version"
)

func TestRootCmd_BareInvocationShowsHelp(t *testing.T) {
	// Given: a root command
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	// When: executing with no arguments
	err := cmd.Execute()

	// Then: it should print usage
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "mmind")
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "init")
	assert.Contains(t, out, "version")
}

func TestRootCmd_ShowsVersion(t *testing.T) {
	// Given: a root command
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--version"})

	// When: executing with --version
	err := cmd.Execute()

	// Then: it should use the custom template
	require.NoError(t, err)
	assert.Equal(t, "mmind version "+version.Version+"\n", buf.String())
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	// Given: a root command
	cmd := NewRootCmd()

	// When: checking available commands
	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}

	// Then: init and version should exist
	assert.Contains(t, names, "init")
	assert.Contains(t, names, "version")
}

func TestRootCmd_HasDebugFlag(t *testing.T) {
	// Given: a root command
	cmd := NewRootCmd()

	// Then: it should have --debug off by default
	flag := cmd.PersistentFlags().Lookup("debug")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestInitCmd_ShowsHelp(t *testing.T) {
	// Given: a root command
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"init", "--help"})

	// When: executing init --help
	err := cmd.Execute()

	// Then: it should show the files init writes
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "embedding.yaml")
	assert.Contains(t, out, "--force")
}
