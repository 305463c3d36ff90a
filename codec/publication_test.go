package codec

import (
	"errors"
	"net"
	"testing"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestDecodePublication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4000}

	build := func(topic string, kind DataKind, content []byte) []byte {
		datagram, err := EncodePublication(topic, kind, content)
		assert.Nil(err)
		return datagram
	}

	// Case 0: integer, negative
	{
		pub, err := DecodePublication(
			build("a", KindInteger, []byte{1, 0x00, 0x00, 0x00, 0x2A}), sender,
		)
		assert.Nil(err)
		assert.Equal("-42", pub.Value)
		assert.Equal("10.0.0.5:4000 - a - INT - -42", FormatNotification(pub))
	}

	// Case 1: integer, max magnitude does not overflow
	{
		pub, err := DecodePublication(
			build("a", KindInteger, []byte{1, 0xFF, 0xFF, 0xFF, 0xFF}), sender,
		)
		assert.Nil(err)
		assert.Equal("-4294967295", pub.Value)
		pub, err = DecodePublication(
			build("a", KindInteger, []byte{0, 0xFF, 0xFF, 0xFF, 0xFF}), sender,
		)
		assert.Nil(err)
		assert.Equal("4294967295", pub.Value)
	}

	// Case 2: short real
	{
		pub, err := DecodePublication(build("t", KindShortReal, []byte{0x00, 0xFA}), sender)
		assert.Nil(err)
		assert.Equal("2.50", pub.Value)
		assert.Equal("10.0.0.5:4000 - t - SHORT_REAL - 2.50", FormatNotification(pub))
		pub, err = DecodePublication(build("t", KindShortReal, []byte{0x00, 0x05}), sender)
		assert.Nil(err)
		assert.Equal("0.05", pub.Value)
	}

	// Case 3: float with sign and power
	{
		pub, err := DecodePublication(
			build("t", KindFloat, []byte{1, 0x00, 0x00, 0x30, 0x39, 4}), sender,
		)
		assert.Nil(err)
		assert.Equal("-1.2345", pub.Value)
		assert.Equal("10.0.0.5:4000 - t - FLOAT - -1.2345", FormatNotification(pub))
	}

	// Case 4: float with zero power
	{
		pub, err := DecodePublication(
			build("t", KindFloat, []byte{0, 0x00, 0x00, 0x30, 0x39, 0}), sender,
		)
		assert.Nil(err)
		assert.Equal("12345", pub.Value)
	}

	// Case 5: float with leading fractional zeros
	{
		pub, err := DecodePublication(
			build("t", KindFloat, []byte{0, 0x00, 0x00, 0x00, 0x07, 3}), sender,
		)
		assert.Nil(err)
		assert.Equal("0.007", pub.Value)
	}

	// Case 6: text stops at the first NUL
	{
		pub, err := DecodePublication(
			build("news", KindText, []byte("hello\x00garbage")), sender,
		)
		assert.Nil(err)
		assert.Equal("hello", pub.Value)
		assert.Equal("10.0.0.5:4000 - news - STRING - hello", FormatNotification(pub))
	}

	// Case 7: full length topic has no NUL
	{
		topic := "0123456789012345678901234567890123456789012345678x"
		assert.Len(topic, MaxTopicLen)
		pub, err := DecodePublication(build(topic, KindText, []byte("x")), sender)
		assert.Nil(err)
		assert.Equal(topic, pub.Topic)
	}

	// Case 8: malformed inputs
	{
		_, err := DecodePublication(make([]byte, MinPublicationLen-1), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))

		_, err = DecodePublication(make([]byte, MaxPublicationLen+1), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))

		// Empty topic
		_, err = DecodePublication(make([]byte, MinPublicationLen+5), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))

		// Unknown kind
		_, err = DecodePublication(build("t", DataKind(9), []byte{1}), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))

		// Short content
		_, err = DecodePublication(build("t", KindInteger, []byte{0, 1}), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))
		_, err = DecodePublication(build("t", KindShortReal, []byte{0}), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))
		_, err = DecodePublication(build("t", KindFloat, []byte{0, 0, 0, 0, 1}), sender)
		assert.True(errors.Is(err, ErrMalformedPublication))
	}

	// Case 9: encoder rejects invalid inputs
	{
		_, err := EncodePublication("", KindText, nil)
		assert.NotNil(err)
		_, err = EncodePublication("t", KindText, make([]byte, MaxContentLen+1))
		assert.NotNil(err)
	}
}
