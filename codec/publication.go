// Copyright 2022 The topicrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/shopspring/decimal"
)

// DataKind the type of value carried by a publication
type DataKind uint8

// Supported publication data kinds
const (
	KindInteger   DataKind = 0
	KindShortReal DataKind = 1
	KindFloat     DataKind = 2
	KindText      DataKind = 3
)

// String returns the name of the data kind used in notifications
func (k DataKind) String() string {
	switch k {
	case KindInteger:
		return "INT"
	case KindShortReal:
		return "SHORT_REAL"
	case KindFloat:
		return "FLOAT"
	case KindText:
		return "STRING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Publication a decoded UDP publication
type Publication struct {
	// Topic the publication topic
	Topic string `json:"topic"`
	// Kind the type of the value
	Kind DataKind `json:"kind"`
	// Value the rendered value
	Value string `json:"value"`
	// SenderIP the publisher address
	SenderIP net.IP `json:"sender_ip"`
	// SenderPort the publisher port
	SenderPort int `json:"sender_port"`
}

// DecodePublication parse a UDP datagram into a Publication
//
// The datagram is a NUL padded topic, one data kind byte, then the content.
func DecodePublication(datagram []byte, sender *net.UDPAddr) (Publication, error) {
	if len(datagram) < MinPublicationLen {
		return Publication{}, fmt.Errorf(
			"%w: datagram of %d bytes is shorter than %d",
			ErrMalformedPublication,
			len(datagram),
			MinPublicationLen,
		)
	}
	if len(datagram) > MaxPublicationLen {
		return Publication{}, fmt.Errorf(
			"%w: datagram of %d bytes is longer than %d",
			ErrMalformedPublication,
			len(datagram),
			MaxPublicationLen,
		)
	}
	topic := cString(datagram[:MaxTopicLen])
	if len(topic) == 0 {
		return Publication{}, fmt.Errorf("%w: empty topic", ErrMalformedPublication)
	}
	kind := DataKind(datagram[MaxTopicLen])
	value, err := renderValue(kind, datagram[MinPublicationLen:])
	if err != nil {
		return Publication{}, err
	}
	result := Publication{Topic: topic, Kind: kind, Value: value}
	if sender != nil {
		result.SenderIP = sender.IP
		result.SenderPort = sender.Port
	}
	return result, nil
}

// FormatNotification render the text delivered to subscribers for a publication
func FormatNotification(pub Publication) string {
	return fmt.Sprintf(
		"%s:%d - %s - %s - %s", pub.SenderIP, pub.SenderPort, pub.Topic, pub.Kind, pub.Value,
	)
}

func renderValue(kind DataKind, content []byte) (string, error) {
	needs := func(n int) error {
		if len(content) < n {
			return fmt.Errorf(
				"%w: %s content needs %d bytes, got %d", ErrMalformedPublication, kind, n, len(content),
			)
		}
		return nil
	}
	switch kind {
	case KindInteger:
		if err := needs(5); err != nil {
			return "", err
		}
		value := int64(binary.BigEndian.Uint32(content[1:5]))
		if content[0] == 1 {
			value = -value
		}
		return strconv.FormatInt(value, 10), nil

	case KindShortReal:
		if err := needs(2); err != nil {
			return "", err
		}
		value := decimal.New(int64(binary.BigEndian.Uint16(content[0:2])), -2)
		return value.StringFixed(2), nil

	case KindFloat:
		if err := needs(6); err != nil {
			return "", err
		}
		power := int32(content[5])
		value := decimal.New(int64(binary.BigEndian.Uint32(content[1:5])), -power)
		rendered := value.StringFixed(power)
		if content[0] == 1 {
			rendered = "-" + rendered
		}
		return rendered, nil

	case KindText:
		return cString(content), nil

	default:
		return "", fmt.Errorf("%w: unknown data kind %d", ErrMalformedPublication, uint8(kind))
	}
}

// cString the bytes up to the first NUL, or all of them
func cString(raw []byte) string {
	if idx := bytes.IndexByte(raw, 0); idx >= 0 {
		return string(raw[:idx])
	}
	return string(raw)
}

// EncodePublication build a UDP datagram for a topic and raw content
func EncodePublication(topic string, kind DataKind, content []byte) ([]byte, error) {
	if len(topic) == 0 || len(topic) > MaxTopicLen {
		return nil, fmt.Errorf("%w: topic length %d", ErrMalformedPublication, len(topic))
	}
	if len(content) > MaxContentLen {
		return nil, fmt.Errorf("%w: content length %d", ErrMalformedPublication, len(content))
	}
	datagram := make([]byte, MinPublicationLen+len(content))
	copy(datagram, topic)
	datagram[MaxTopicLen] = byte(kind)
	copy(datagram[MinPublicationLen:], content)
	return datagram, nil
}
