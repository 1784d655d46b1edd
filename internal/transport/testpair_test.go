package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTestPair_SendDeliversToPeerOnly(t *testing.T) {
	p := NewTestPair()
	require.NoError(t, p.Left.Connect(context.Background()))
	require.NoError(t, p.Right.Connect(context.Background()))

	var rightGot, leftGot Message
	p.Right.OnMessage(func(m Message) { rightGot = m })
	p.Left.OnMessage(func(m Message) { leftGot = m })

	p.Left.Send(Message{"ping", float64(1)})
	require.Equal(t, Message{"ping", float64(1)}, rightGot)
	require.Nil(t, leftGot)
}

func TestTestPair_SendWhileDisconnectedReportsError(t *testing.T) {
	p := NewTestPair()

	var err error
	p.Left.OnError(func(e error) { err = e })
	p.Left.Send(Message{"ping"})

	require.Error(t, err)
	require.True(t, IsFormatError(err))
}

func TestTestPair_DisconnectIsIdempotent(t *testing.T) {
	p := NewTestPair()
	require.NoError(t, p.Left.Connect(context.Background()))

	var disconnects int
	p.Left.OnEvent(func(e Event) {
		if e == EventDisconnect {
			disconnects++
		}
	})

	require.NoError(t, p.Left.Disconnect("bye"))
	require.NoError(t, p.Left.Disconnect("bye again"))
	require.Equal(t, 1, disconnects)
	require.False(t, p.Left.Connected())
}

func TestTestPair_UnsubscribeStopsDelivery(t *testing.T) {
	p := NewTestPair()
	require.NoError(t, p.Left.Connect(context.Background()))
	require.NoError(t, p.Right.Connect(context.Background()))

	var count int
	unsub := p.Right.OnMessage(func(m Message) { count++ })
	p.Left.Send(Message{"ping"})
	unsub()
	p.Left.Send(Message{"ping"})

	require.Equal(t, 1, count)
}
