package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAliveTouchesUntilStopped(t *testing.T) {
	var touches atomic.Int32
	stop := keepAlive(time.Millisecond, func(...nats.AckOpt) error {
		touches.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return touches.Load() >= 3 }, 5*time.Second, time.Millisecond)
	stop()

	after := touches.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, touches.Load(), "no in-progress acks after the handler returns")
}

func TestNilBus(t *testing.T) {
	var b *Bus
	assert.Error(t, b.Publish(context.Background(), "subj", struct{}{}))
	_, err := b.Subscribe(context.Background(), "subj", "durable", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)
	assert.Error(t, b.EnsureStream("STREAM"))
}
