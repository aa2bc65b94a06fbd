package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	c := Config{Path: "store.db"}.WithDefaults()
	assert.Equal(t, DefaultPollWait, c.PollWait)
	assert.Equal(t, DefaultMaxRecursion, c.MaxRecursion)
	assert.Equal(t, DefaultMaxPollRetries, c.MaxPollRetries)
	assert.Equal(t, DefaultBusyRetries, c.BusyRetries)

	// Explicit values survive.
	c = Config{Path: "store.db", PollWait: time.Second, MaxRecursion: 3}.WithDefaults()
	assert.Equal(t, time.Second, c.PollWait)
	assert.Equal(t, 3, c.MaxRecursion)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Path: "store.db"}, false},
		{"in-memory", Config{Path: ":memory:"}, false},
		{"missing path", Config{}, true},
		{"negative poll wait", Config{Path: "x", PollWait: -1}, true},
		{"negative recursion", Config{Path: "x", MaxRecursion: -1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigInMemory(t *testing.T) {
	assert.True(t, Config{Path: ":memory:"}.InMemory())
	assert.False(t, Config{Path: "store.db"}.InMemory())
}
