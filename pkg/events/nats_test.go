package events

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(server.Shutdown)
	return server
}

func TestNATSPublisherEmits(t *testing.T) {
	server := runServer(t)

	pub, err := Connect(server.ClientURL(), "ac")
	require.NoError(t, err)
	defer pub.Close()

	listener, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer listener.Close()

	sub, err := listener.SubscribeSync("ac.project.*")
	require.NoError(t, err)
	require.NoError(t, listener.Flush())

	require.NoError(t, pub.Emit(context.Background(), StatusChanged("abc.def", "healing", "completed", "")))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ac.project.abc-def", msg.Subject)

	e, err := FromJSON(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "completed", e.To)
}

func TestNATSPublisherHonoursContext(t *testing.T) {
	server := runServer(t)
	pub, err := Connect(server.ClientURL(), "")
	require.NoError(t, err)
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Emit(ctx, New(TypeFeedback, "p", "x")), context.Canceled)
}

type failSink struct{}

func (failSink) Emit(context.Context, *Event) error { return errors.New("down") }

type captureSink struct{ got []*Event }

func (c *captureSink) Emit(_ context.Context, e *Event) error {
	c.got = append(c.got, e)
	return nil
}

func TestMultiEmitsToAll(t *testing.T) {
	capture := &captureSink{}
	err := Multi{failSink{}, nil, Discard{}, capture}.Emit(context.Background(), New(TypeUsage, "p", ""))
	require.Error(t, err)
	assert.Len(t, capture.got, 1)
}
