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

package broker

import (
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/topicrelay/codec"
	"github.com/apex/log"
)

// processPublication support TaskProcessor, handle publicationEvent
func (b *brokerImpl) processPublication(param interface{}) error {
	request, ok := param.(publicationEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for publication", reflect.TypeOf(param))
	}
	if b.stopped {
		return nil
	}
	return b.dispatch(request.pub)
}

// dispatch deliver a publication to every subscriber of its topic
//
// Online subscribers get the notification on their session. Offline subscribers
// with store-and-forward get it queued. Everyone else misses it.
func (b *brokerImpl) dispatch(pub codec.Publication) error {
	logTags := b.ExtendLogTags(log.Fields{"topic": pub.Topic})
	notification := codec.FormatNotification(pub)
	frame := codec.NewTextFrame(codec.OpDeliver, notification)
	if len(frame.Payload) > codec.MaxFramePayload {
		return fmt.Errorf(
			"notification on '%s' is %d bytes, over the frame limit", pub.Topic, len(frame.Payload),
		)
	}

	delivered, queued, missed := 0, 0, 0
	now := time.Now()
	for _, identity := range b.registry.MembersOf(pub.Topic) {
		target, ok := b.registry.Target(identity, pub.Topic)
		if !ok || !target.Subscribed {
			continue
		}
		if target.Online {
			if err := b.sendToSession(target.Connection, frame); err == nil {
				delivered++
				continue
			}
			// The failed session was dropped, so the subscriber is now offline
			target, _ = b.registry.Target(identity, pub.Topic)
		}
		if !target.Online && target.StoreAndForward {
			if _, err := b.registry.Enqueue(identity, notification, now); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to queue for %s", identity)
				continue
			}
			queued++
			continue
		}
		missed++
	}
	log.WithFields(logTags).Debugf(
		"Publication delivered=%d queued=%d missed=%d", delivered, queued, missed,
	)

	if b.mirror != nil {
		if err := b.mirror.Publish(b.rootCtxt, pub.Topic, notification); err != nil {
			log.WithError(err).WithFields(logTags).Error("Mirror publish failed")
		}
	}
	return nil
}
