package client

import (
	"testing"

	"github.com/ValentinKolb/rfcunit/lib/rfc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"requtext=hello", "COUNT=3", "ROWS=[1,2]", "TEXT=a=b"})
	require.NoError(t, err)
	assert.Equal(t, rfc.Parameters{
		"REQUTEXT": "hello",
		"COUNT":    float64(3),
		"ROWS":     []interface{}{float64(1), float64(2)},
		"TEXT":     "a=b",
	}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestParseCall(t *testing.T) {
	name, params, err := parseCall(`stfc_write_to_tcpic:{"TCPICDAT":[{"LINE":"a:b"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "STFC_WRITE_TO_TCPIC", name)
	assert.Contains(t, params, "TCPICDAT")

	name, params, err = parseCall("RFC_PING")
	require.NoError(t, err)
	assert.Equal(t, "RFC_PING", name)
	assert.Empty(t, params)

	_, _, err = parseCall(`RFC_PING:{broken`)
	assert.Error(t, err)
	_, _, err = parseCall(`:{}`)
	assert.Error(t, err)
}
