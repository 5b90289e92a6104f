package redis

import (
	"fmt"
	"testing"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/rackwatch/internal/notify"
)

func TestBridgeDropsOnSaturatedConsumer(t *testing.T) {
	in := make(chan *rdb.Message)
	out := make(chan notify.Notification, subBuffer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		bridge(in, out)
	}()

	// Nadie drena out: el bridge no puede bloquearse por más mensajes que
	// entren por encima del buffer.
	for i := 0; i < subBuffer+10; i++ {
		select {
		case in <- &rdb.Message{Channel: "c", Payload: fmt.Sprintf("m%d", i)}:
		case <-time.After(time.Second):
			t.Fatalf("bridge bloqueado en el mensaje %d", i)
		}
	}
	close(in)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge no terminó tras cerrar la fuente")
	}

	// Se conservaron a lo sumo subBuffer mensajes, en orden.
	require.Len(t, out, subBuffer)
	first, ok := <-out
	require.True(t, ok)
	require.Equal(t, "m0", first.Payload)
}

func TestBridgeClosesOutputWhenSourceCloses(t *testing.T) {
	in := make(chan *rdb.Message)
	out := make(chan notify.Notification, subBuffer)
	go bridge(in, out)

	in <- &rdb.Message{Channel: "c", Payload: "x"}
	close(in)

	n, ok := <-out
	require.True(t, ok)
	require.Equal(t, "x", n.Payload)
	_, ok = <-out
	require.False(t, ok, "out tiene que cerrarse con la fuente")
}
