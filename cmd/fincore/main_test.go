package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore"
)

func TestParseSteps(t *testing.T) {
	n, err := parseSteps(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = parseSteps([]string{"3"}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = parseSteps([]string{"0"}, 1)
	assert.Error(t, err)
	_, err = parseSteps([]string{"two"}, 1)
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, fincore.Version+"\n", out.String())
}
