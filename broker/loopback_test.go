package broker

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/alwitt/topicrelay/transport"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func readWithTimeout(conn net.Conn, timeout time.Duration) (codec.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return codec.Frame{}, err
	}
	return codec.ReadFrame(conn)
}

// waitForSubscription poll until the subscriber has the topic
func waitForSubscription(
	assert *assert.Assertions, uut Broker, identity string, topic string,
) {
	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		info, err := uut.GetSubscriber(context.Background(), identity)
		if err == nil {
			if _, ok := info.Subscriptions[topic]; ok {
				return
			}
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.Failf("subscription not registered", "%s on %s", identity, topic)
}

func TestBrokerOverLoopback(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetBroker(ctxt, defaultTestParams(), nil, &wg)
	assert.Nil(err)

	listener, err := transport.GetTCPListener("127.0.0.1", 0, transport.SessionParams{
		OutboundQueueDepth: 8,
		WriteTimeout:       time.Second,
		OnFrame:            uut.FrameReceived,
		OnClosed:           uut.SessionClosed,
	})
	assert.Nil(err)
	assert.Nil(listener.StartAccepting(uut.SessionAccepted, &wg))

	receiver, err := transport.GetUDPReceiver("127.0.0.1", 0)
	assert.Nil(err)
	assert.Nil(receiver.StartReading(uut.PublicationReceived, &wg))

	publisher, err := net.Dial("udp", receiver.Addr().String())
	assert.Nil(err)
	defer publisher.Close()
	publisherPort := publisher.LocalAddr().(*net.UDPAddr).Port

	subscriber, err := net.Dial("tcp", listener.Addr().String())
	assert.Nil(err)
	defer subscriber.Close()

	// Case 0: announce, subscribe, receive a publication sent over UDP
	{
		assert.Nil(codec.WriteFrame(subscriber, codec.NewTextFrame(codec.OpIdentityAnnounce, "C1")))
		assert.Nil(codec.WriteFrame(subscriber, codec.NewTextFrame(codec.OpSubscribe, "subscribe t 0\n")))
		waitForSubscription(assert, uut, "C1", "t")

		datagram, err := codec.EncodePublication("t", codec.KindShortReal, []byte{0x00, 0xFA})
		assert.Nil(err)
		_, err = publisher.Write(datagram)
		assert.Nil(err)

		frame, err := readWithTimeout(subscriber, time.Second)
		assert.Nil(err)
		assert.Equal(codec.OpDeliver, frame.Op)
		assert.Equal(
			"127.0.0.1:"+strconv.Itoa(publisherPort)+" - t - SHORT_REAL - 2.50", frame.Text(),
		)
	}

	// Case 1: a second connection with the same identity is refused
	{
		dup, err := net.Dial("tcp", listener.Addr().String())
		assert.Nil(err)
		defer dup.Close()
		assert.Nil(codec.WriteFrame(dup, codec.NewTextFrame(codec.OpIdentityAnnounce, "C1")))
		frame, err := readWithTimeout(dup, time.Second)
		assert.Nil(err)
		assert.Equal(codec.OpIdentityInUse, frame.Op)
		_, err = readWithTimeout(dup, time.Second)
		assert.Equal(codec.ErrPeerClosed, err)
	}

	// Case 2: shutdown reaches the subscriber once, then the socket closes
	{
		assert.Nil(listener.Close())
		assert.Nil(receiver.Close())
		shutdownBroker(assert, uut)
		frame, err := readWithTimeout(subscriber, time.Second)
		assert.Nil(err)
		assert.Equal(codec.OpShutdown, frame.Op)
		_, err = readWithTimeout(subscriber, time.Second)
		assert.Equal(codec.ErrPeerClosed, err)
	}
}
