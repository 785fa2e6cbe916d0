package redis

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/matchsync/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKeys(t *testing.T) {
	assert.Equal(t, "room:R1", roomKey("R1"))
	assert.Equal(t, "room:R1:peers", peersKey("R1"))
	assert.Equal(t, "code:ABC234", codeKey("ABC234"))
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Port 1 is reserved and never has a Redis behind it.
	_, err := Connect(ctx, config.RedisConfig{Host: "127.0.0.1", Port: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}
