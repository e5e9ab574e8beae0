package events

import (
	"context"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/hlsferry/pkg/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesEventType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern EventType
		event   EventType
		want    bool
	}{
		{EventBackupCompleted, EventBackupCompleted, true},
		{EventBackup, EventBackupFailed, true},
		{EventBackup, EventTransferCompleted, false},
		{"*", EventModeChanged, true},
		{EventTransferCompleted, EventTransferCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.pattern)+"/"+string(tt.event), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MatchesEventType(tt.pattern, tt.event))
		})
	}

	assert.True(t, MatchesAny(nil, EventModeChanged))
	assert.False(t, MatchesAny([]EventType{EventBackup}, EventModeChanged))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.False(t, cfg.HasPublishers())
	assert.Equal(t, "hlsferry:events", cfg.Redis.Channel)
	assert.Equal(t, "hlsferry-events", cfg.Kafka.Topic)
	assert.Equal(t, 1, cfg.Kafka.RequiredAcks)
	assert.Equal(t, "snappy", cfg.Kafka.Compression)
	assert.Equal(t, 10*time.Second, cfg.Kafka.WriteTimeout)

	cfg = Config{Kafka: KafkaConfig{RequiredAcks: 7}, Types: []string{"backup.*"}}
	cfg.Validate()
	assert.Equal(t, 1, cfg.Kafka.RequiredAcks)
	assert.Equal(t, []EventType{EventBackup}, cfg.EventTypes())
}

func TestEmitterDisabled(t *testing.T) {
	t.Parallel()

	var nilEmitter *Emitter
	assert.False(t, nilEmitter.IsEnabled())
	nilEmitter.EmitBackup(context.Background(), EventBackupCompleted, "vid1", "ok", "")

	assert.False(t, NoopEmitter().IsEnabled())
	assert.False(t, NewEmitter(EmitterConfig{Enabled: true}).IsEnabled())
}

func TestEmitterQueuesEvents(t *testing.T) {
	t.Parallel()

	q := taskqueue.NewMemoryQueue()
	e := NewEmitter(EmitterConfig{Queue: q, Enabled: true, Node: "home"})
	ctx := context.Background()

	e.EmitTransfer(ctx, EventTransferCompleted, "abc123", "alice", 5<<20)
	e.EmitBackup(ctx, EventBackupEnqueued, "vid1", "pending", "")

	tasks, err := q.List(ctx, taskqueue.TaskFilter{Type: taskqueue.TaskTypeEvent})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	byKey := map[string]Event{}
	for _, task := range tasks {
		ev, err := taskqueue.UnmarshalPayload[Event](task.Payload)
		require.NoError(t, err)
		assert.Equal(t, eventMaxRetries, task.MaxRetries)
		byKey[task.Key] = ev
	}

	ev := byKey["abc123"]
	assert.Equal(t, EventTransferCompleted, ev.Type)
	assert.Equal(t, "home", ev.Node)
	assert.Equal(t, "alice", ev.OwnerID)
	assert.Equal(t, int64(5<<20), ev.Size)
	assert.NotZero(t, ev.Timestamp)
	assert.NotEmpty(t, ev.Sequencer)
	assert.NotEqual(t, ev.Sequencer, byKey["vid1"].Sequencer)
}
