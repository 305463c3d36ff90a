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

// Package codec implements the wire formats of the broker: the UDP publication
// record, the TCP control frames, and the subscriber command text.
package codec

import (
	"encoding/binary"
	"errors"
)

// Protocol limits
const (
	// MaxIdentityLen is the max length of a subscriber identity in bytes
	MaxIdentityLen = 32
	// MaxTopicLen is the max length of a topic in bytes
	MaxTopicLen = 50
	// MaxContentLen is the max length of publication content in bytes
	MaxContentLen = 1500
	// MinPublicationLen is the length of a publication with empty content
	MinPublicationLen = MaxTopicLen + 1
	// MaxPublicationLen is the max length of a publication datagram
	MaxPublicationLen = MinPublicationLen + MaxContentLen
	// MaxFramePayload is the max payload size of a TCP control frame
	MaxFramePayload = 1600
	// FrameHeaderLen is the size of the control frame header
	FrameHeaderLen = 8
)

// FrameByteOrder is the byte order of the control frame header fields
var FrameByteOrder = binary.LittleEndian

var (
	// ErrMalformedPublication the UDP publication record could not be decoded
	ErrMalformedPublication = errors.New("malformed publication")
	// ErrMalformedFrame the control frame header is invalid
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMalformedCommand the subscriber command text is invalid
	ErrMalformedCommand = errors.New("malformed command")
	// ErrPeerClosed the remote peer closed the stream
	ErrPeerClosed = errors.New("peer closed connection")
)
