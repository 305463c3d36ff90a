package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestSessionOutboundQueue(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	local, remote := net.Pipe()
	defer remote.Close()

	closeCount := 0
	params := SessionParams{
		OutboundQueueDepth: 1,
		WriteTimeout:       time.Second,
		OnFrame:            func(sessionID string, frame codec.Frame) {},
		OnClosed:           func(sessionID string, err error) { closeCount++ },
	}

	// Case 0: invalid params
	{
		_, err := NewSession(local, SessionParams{OutboundQueueDepth: 0})
		assert.NotNil(err)
		_, err = NewSession(local, SessionParams{OutboundQueueDepth: 1})
		assert.NotNil(err)
	}

	uut, err := NewSession(local, params)
	assert.Nil(err)
	assert.NotEmpty(uut.ID())

	// Case 1: queue full without a running writer
	{
		assert.Nil(uut.Send(codec.NewTextFrame(codec.OpDeliver, "one")))
		assert.Equal(ErrOutboundFull, uut.Send(codec.NewTextFrame(codec.OpDeliver, "two")))
	}

	// Case 2: closing twice is safe
	{
		uut.Close(true)
		assert.Equal(ErrSessionClosed, uut.Send(codec.NewTextFrame(codec.OpDeliver, "three")))
		uut.Close(false)
		// Local closes are not reported
		assert.Equal(0, closeCount)
	}
}

func TestTCPSessionRoundTrip(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	frames := make(chan codec.Frame, 4)
	closed := make(chan string, 4)
	params := SessionParams{
		OutboundQueueDepth: 8,
		WriteTimeout:       time.Second,
		OnFrame: func(sessionID string, frame codec.Frame) {
			frames <- frame
		},
		OnClosed: func(sessionID string, err error) {
			closed <- sessionID
		},
	}

	uut, err := GetTCPListener("127.0.0.1", 0, params)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	sessions := make(chan Session, 1)
	assert.Nil(uut.StartAccepting(func(session Session) error {
		sessions <- session
		return nil
	}, &wg))

	client, err := net.Dial("tcp", uut.Addr().String())
	assert.Nil(err)
	defer client.Close()

	var session Session
	select {
	case session = <-sessions:
	case <-time.After(time.Second):
		assert.FailNow("session not accepted")
	}

	// Case 0: inbound frame reaches the handler
	{
		assert.Nil(codec.WriteFrame(client, codec.NewTextFrame(codec.OpIdentityAnnounce, "C1")))
		select {
		case frame := <-frames:
			assert.Equal(codec.OpIdentityAnnounce, frame.Op)
			assert.Equal("C1", frame.Text())
		case <-time.After(time.Second):
			assert.Fail("frame not received")
		}
	}

	// Case 1: flushing close writes queued frames before closing
	{
		assert.Nil(session.Send(codec.NewTextFrame(codec.OpDeliver, "first")))
		assert.Nil(session.Send(codec.NewTextFrame(codec.OpShutdown, codec.ShutdownText)))
		session.Close(true)

		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second)))
		frame, err := codec.ReadFrame(client)
		assert.Nil(err)
		assert.Equal(codec.OpDeliver, frame.Op)
		assert.Equal("first", frame.Text())
		frame, err = codec.ReadFrame(client)
		assert.Nil(err)
		assert.Equal(codec.OpShutdown, frame.Op)
		assert.Equal(codec.ShutdownText, frame.Text())
		_, err = codec.ReadFrame(client)
		assert.Equal(codec.ErrPeerClosed, err)

		select {
		case <-closed:
			assert.Fail("local close reported")
		case <-time.After(time.Millisecond * 100):
		}
	}
}

func TestTCPSessionPeerClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	closed := make(chan error, 4)
	params := SessionParams{
		OutboundQueueDepth: 8,
		WriteTimeout:       time.Second,
		OnFrame:            func(sessionID string, frame codec.Frame) {},
		OnClosed: func(sessionID string, err error) {
			closed <- err
		},
	}

	uut, err := GetTCPListener("127.0.0.1", 0, params)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()
	assert.Nil(uut.StartAccepting(func(session Session) error { return nil }, &wg))

	// Case 0: peer closes the connection
	{
		client, err := net.Dial("tcp", uut.Addr().String())
		assert.Nil(err)
		assert.Nil(client.Close())
		select {
		case err := <-closed:
			assert.Equal(codec.ErrPeerClosed, err)
		case <-time.After(time.Second):
			assert.Fail("close not reported")
		}
	}

	// Case 1: malformed header
	{
		client, err := net.Dial("tcp", uut.Addr().String())
		assert.Nil(err)
		defer client.Close()
		_, err = client.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 3, 0, 0, 0})
		assert.Nil(err)
		select {
		case err := <-closed:
			assert.ErrorIs(err, codec.ErrMalformedFrame)
		case <-time.After(time.Second):
			assert.Fail("close not reported")
		}
	}
}

func TestUDPReceiver(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := GetUDPReceiver("127.0.0.1", 0)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	received := make(chan codec.Publication, 4)
	assert.Nil(uut.StartReading(func(pub codec.Publication) { received <- pub }, &wg))

	client, err := net.Dial("udp", uut.Addr().String())
	assert.Nil(err)
	defer client.Close()

	// Case 0: malformed datagram is dropped, valid one is forwarded
	{
		_, err := client.Write([]byte("short"))
		assert.Nil(err)
		datagram, err := codec.EncodePublication("weather", codec.KindText, []byte("sunny"))
		assert.Nil(err)
		_, err = client.Write(datagram)
		assert.Nil(err)

		select {
		case pub := <-received:
			assert.Equal("weather", pub.Topic)
			assert.Equal("sunny", pub.Value)
			assert.Equal(client.LocalAddr().(*net.UDPAddr).Port, pub.SenderPort)
		case <-time.After(time.Second):
			assert.Fail("publication not received")
		}
	}

	// Case 1: oversize datagram is dropped
	{
		_, err := client.Write(make([]byte, codec.MaxPublicationLen+1))
		assert.Nil(err)
		select {
		case <-received:
			assert.Fail("oversize datagram forwarded")
		case <-time.After(time.Millisecond * 100):
		}
	}
}
