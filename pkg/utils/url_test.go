package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGrpcUrl(t *testing.T) {
	host, err := ParseGrpcUrl("tcp://controller")
	assert.NoError(t, err)
	assert.Equal(t, "controller:9090", host)

	host, err = ParseGrpcUrl("tcp://:7000")
	assert.NoError(t, err)
	assert.Equal(t, ":7000", host)

	_, err = ParseGrpcUrl("unix:///tmp/socket")
	assert.Error(t, err)
}

func TestParseHttpUrl(t *testing.T) {
	host, err := ParseHttpUrl("tcp://localhost")
	assert.NoError(t, err)
	assert.Equal(t, "localhost:8080", host)
}
