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
	"errors"
	"fmt"
	"io"
)

// Operation the control frame operation code
type Operation int32

// Control frame operations
const (
	// OpShutdown server is shutting down
	OpShutdown Operation = 1
	// OpIdentityInUse the announced identity is already online
	OpIdentityInUse Operation = 2
	// OpDeliver a notification for the subscriber
	OpDeliver Operation = 3
	// OpCommandError the previous command was rejected
	OpCommandError Operation = 4
	// OpIdentityAnnounce subscriber announces its identity
	OpIdentityAnnounce Operation = 11
	// OpSubscribe subscribe to a topic
	OpSubscribe Operation = 12
	// OpUnsubscribe unsubscribe from a topic
	OpUnsubscribe Operation = 13
)

// Standard frame payloads
const (
	ShutdownText      = "exit\n"
	IdentityInUseText = "id_in_use"
)

func (o Operation) String() string {
	switch o {
	case OpShutdown:
		return "shutdown"
	case OpIdentityInUse:
		return "identity-in-use"
	case OpDeliver:
		return "deliver"
	case OpCommandError:
		return "command-error"
	case OpIdentityAnnounce:
		return "identity-announce"
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("op(%d)", int32(o))
	}
}

// Frame a TCP control frame
type Frame struct {
	Op      Operation
	Payload []byte
}

// NewTextFrame build a frame carrying NUL terminated text
func NewTextFrame(op Operation, text string) Frame {
	payload := make([]byte, len(text)+1)
	copy(payload, text)
	return Frame{Op: op, Payload: payload}
}

// Text the payload as text, with one trailing NUL removed
func (f Frame) Text() string {
	if n := len(f.Payload); n > 0 && f.Payload[n-1] == 0 {
		return string(f.Payload[:n-1])
	}
	return string(f.Payload)
}

// EncodeFrame serialize a frame into header plus payload
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformedFrame, len(f.Payload))
	}
	buf := make([]byte, FrameHeaderLen+len(f.Payload))
	FrameByteOrder.PutUint32(buf[0:4], uint32(int32(len(f.Payload))))
	FrameByteOrder.PutUint32(buf[4:8], uint32(f.Op))
	copy(buf[FrameHeaderLen:], f.Payload)
	return buf, nil
}

// WriteFrame serialize a frame and write it to the stream
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame read one frame from the stream
//
// End of stream at any point is ErrPeerClosed. A header with an invalid size is
// ErrMalformedFrame; the stream can't be resynchronised after that.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, FrameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, translateReadErr(err)
	}
	size := int32(FrameByteOrder.Uint32(header[0:4]))
	op := Operation(int32(FrameByteOrder.Uint32(header[4:8])))
	if size < 0 || size > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: payload size %d", ErrMalformedFrame, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, translateReadErr(err)
	}
	return Frame{Op: op, Payload: payload}, nil
}

func translateReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrPeerClosed
	}
	return err
}
