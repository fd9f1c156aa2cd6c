package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	testData := []struct {
		input string
		value int64
	}{
		{"0", 0},
		{"4194304", 4 * 1024 * 1024},
		{"4MiB", 4 * 1024 * 1024},
		{"4 MiB", 4 * 1024 * 1024},
		{" 16MiB ", 16 * 1024 * 1024},
		{"16Mi", 16 * 1024 * 1024},
		{"16M", 16 * 1000 * 1000},
		{"16MB", 16 * 1000 * 1000},
		{"512K", 512 * 1000},
		{"512KiB", 512 * 1024},
		{"2GiB", 2 << 30},
		{"1TB", 1e12},
		{"7Ei", 7 << 60},
	}

	for _, data := range testData {
		size, err := ParseSize(data.input)
		require.NoError(t, err, data.input)
		assert.Equal(t, data.value, size, data.input)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, input := range []string{"", "MiB", "-4MiB", "4 XB", "4MiBs", "16 megabytes", "8Ei", "99999999999999999999"} {
		_, err := ParseSize(input)
		assert.Error(t, err, input)
	}
}

func TestHumanByteSize(t *testing.T) {
	testData := []struct {
		input int64
		value string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1KiB"},
		{4 * 1024 * 1024, "4.0MiB"},
		{16*1024*1024 + 512*1024, "16.5MiB"},
		{3 << 30, "3.00GiB"},
		{-4096, "-4KiB"},
	}

	for _, data := range testData {
		assert.Equal(t, data.value, HumanByteSize(data.input), data.input)
	}
}

func TestHumanByteSizeParsesBack(t *testing.T) {
	size, err := ParseSize(HumanByteSize(64 << 10))
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), size)
}
