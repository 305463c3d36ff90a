package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
	natsTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestMirrorSubject(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: plain topic
	assert.Equal("relay.weather", MirrorSubject("relay", "weather"))

	// Case 1: separators and wildcards
	assert.Equal("relay.a_b_c_d", MirrorSubject("relay", "a.b*c>d"))

	// Case 2: invalid prefix
	{
		_, err := GetNATSMirror(NatsClient{}, "")
		assert.NotNil(err)
		_, err = GetNATSMirror(NatsClient{}, "a.b")
		assert.NotNil(err)
		_, err = GetNATSMirror(NatsClient{}, "relay")
		assert.Nil(err)
	}
}

func TestConnectParamsFromConfig(t *testing.T) {
	assert := assert.New(t)

	params := ConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      "nats://127.0.0.1:4222",
		ConnectTimeout: 5,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: -1, WaitInterval: 2},
	})
	assert.Equal("nats://127.0.0.1:4222", params.ServerURI)
	assert.Equal(time.Second*5, params.ConnectTimeout)
	assert.Equal(-1, params.MaxReconnectAttempt)
	assert.Equal(time.Second*2, params.ReconnectWait)
	assert.NotNil(params.OnDisconnectCallback)

	// Invalid URI is rejected before connecting
	_, err := GetNATSClient(NATSConnectParams{ServerURI: "not a uri"})
	assert.NotNil(err)
}

func TestNATSMirrorPublish(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	natsSrv := natsTest.RunRandClientPortServer()
	defer natsSrv.Shutdown()

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	client, err := GetNATSClient(ConnectParamsFromConfig(common.NATSConfig{
		ServerURI:      natsSrv.ClientURL(),
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
	}))
	assert.Nil(err)
	defer client.Close(utCtxt)

	received, err := client.Conn().SubscribeSync("relay.>")
	assert.Nil(err)
	assert.Nil(client.Conn().Flush())

	uut, err := GetNATSMirror(client, "relay")
	assert.Nil(err)

	// Case 0: notification lands on the sanitized subject
	{
		notification := "127.0.0.1:4000 - a.b - INT - -10"
		assert.Nil(uut.Publish(utCtxt, "a.b", notification))
		msg, err := received.NextMsg(time.Second)
		assert.Nil(err)
		assert.Equal("relay.a_b", msg.Subject)
		assert.Equal(notification, string(msg.Data))
	}

	// Case 1: nothing is published once the context ended
	{
		doneCtxt, doneCancel := context.WithCancel(utCtxt)
		doneCancel()
		assert.NotNil(uut.Publish(doneCtxt, "t", "dropped"))
		_, err := received.NextMsg(time.Millisecond * 200)
		assert.Equal(nats.ErrTimeout, err)
	}
}
