package common

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesLoad(t *testing.T) {
	props := NewProperties()
	input := strings.Join([]string{
		"Cseq: 42",
		"Status: -22",
		"Status-message: no such chunk",
		"# a comment line",
		"no separator here",
		"Content-length: 128",
		"",
	}, "\n")
	require.NoError(t, props.Load(strings.NewReader(input), ':'))

	assert.Equal(t, int64(42), props.GetInt64("Cseq", -1))
	assert.Equal(t, -22, props.GetInt("Status", 0))
	assert.Equal(t, "no such chunk", props.GetString("Status-message", ""))
	assert.Equal(t, 128, props.GetInt("Content-length", -1))
	assert.False(t, props.Has("no separator here"))
	assert.Equal(t, "fallback", props.GetString("missing", "fallback"))
}

func TestPropertiesIntBase(t *testing.T) {
	props := NewProperties()
	require.NoError(t, props.Load(strings.NewReader("c: ff\ns: 0\n"), ':'))

	assert.Equal(t, int64(-1), props.GetInt64("c", -1),
		"hex value must not parse under base 10")
	props.SetIntBase(16)
	assert.Equal(t, int64(255), props.GetInt64("c", -1))
}

func TestPropertiesBool(t *testing.T) {
	props := NewProperties()
	require.NoError(t, props.Load(strings.NewReader("a: 1\nb: 0\n"), ':'))
	assert.True(t, props.GetBool("a", false))
	assert.False(t, props.GetBool("b", true))
	assert.True(t, props.GetBool("missing", true))
}

func TestPropertiesConfigFile(t *testing.T) {
	props := NewProperties()
	input := "chunkServer.meta.inactivityTimeout = 30\nchunkserver.meta.auth.authType = PSK\n"
	require.NoError(t, props.Load(strings.NewReader(input), '='))
	assert.Equal(t, 30, props.GetInt("chunkServer.meta.inactivityTimeout", 65))
	assert.Equal(t, "PSK", props.GetString("chunkserver.meta.auth.authType", ""))
}
