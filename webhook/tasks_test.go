package webhook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	assert.Equal(t, time.Minute, Delay(1))
	assert.Equal(t, 5*time.Minute, Delay(2))
	assert.Equal(t, 15*time.Minute, Delay(3))
	assert.Equal(t, time.Hour, Delay(4))
	assert.Equal(t, 6*time.Hour, Delay(5))

	// Out-of-range attempts clamp to the staircase ends.
	assert.Equal(t, time.Minute, Delay(0))
	assert.Equal(t, time.Minute, Delay(-3))
	assert.Equal(t, 6*time.Hour, Delay(12))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Minute, RetryDelay(0, nil, nil))
	assert.Equal(t, 5*time.Minute, RetryDelay(2, nil, nil))
	assert.Equal(t, 6*time.Hour, RetryDelay(99, nil, nil))
}

func TestNewProcessTask(t *testing.T) {
	id := uuid.New()
	task, err := NewProcessTask(id)
	require.NoError(t, err)
	assert.Equal(t, TypeProcessWebhook, task.Type())

	var payload ProcessPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, id, payload.EventID)
}
