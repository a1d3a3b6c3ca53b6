package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callhome/internal/models"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestPublisher_PublishesStatusEvent(t *testing.T) {
	srv := runServer(t)

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe(DefaultSubject+".>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	p, err := Connect(srv.ClientURL(), "")
	require.NoError(t, err)
	defer p.Close() //nolint:errcheck

	at := time.Now().UTC().Truncate(time.Second)
	err = p.Publish(context.Background(), models.StatusChange{
		UniqueID: "dev1",
		From:     models.StatusDisconnected,
		To:       models.StatusConnected,
		At:       at,
	})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, DefaultSubject+".CONNECTED", msg.Subject)

		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, "dev1", ev.Data.DeviceID)
		assert.Equal(t, "DISCONNECTED", ev.Data.PreviousStatus)
		assert.Equal(t, "CONNECTED", ev.Data.CurrentStatus)
		assert.True(t, at.Equal(ev.Time))
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "")
	assert.Error(t, err)
}
