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

// Package registry tracks known subscribers, their connections, and their topics.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/topicrelay/common"
	"github.com/apex/log"
)

var (
	// ErrAlreadyOnline the identity is bound to another live connection
	ErrAlreadyOnline = errors.New("identity already online")
	// ErrUnknownSubscriber no subscriber record for the identity
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrConnectionInUse the connection is already bound to an identity
	ErrConnectionInUse = errors.New("connection already bound")
)

// Target the live delivery state of one subscriber for one topic
type Target struct {
	Online          bool
	Connection      string
	Subscribed      bool
	StoreAndForward bool
}

// SubscriberInfo read-only snapshot of a subscriber record
type SubscriberInfo struct {
	Identity      string          `json:"identity"`
	Online        bool            `json:"online"`
	Connection    string          `json:"connection,omitempty"`
	Subscriptions map[string]bool `json:"subscriptions"`
	Pending       int             `json:"pending"`
}

// TopicInfo read-only snapshot of a topic's membership
type TopicInfo struct {
	Topic   string   `json:"topic"`
	Members []string `json:"members"`
}

// Registry owns all subscriber records and their indices
//
// Not thread safe. All calls must come from a single goroutine.
type Registry interface {
	// BindIdentity mark an identity online on a connection, and return its
	// queued notifications in FIFO order
	BindIdentity(identity string, conn string, now time.Time) ([]string, error)
	// MarkOffline detach a connection from its identity
	MarkOffline(conn string) (string, bool)
	// Subscribe add or update a topic subscription
	Subscribe(identity string, topic string, storeAndForward bool) error
	// Unsubscribe remove a topic subscription
	Unsubscribe(identity string, topic string) error
	// MembersOf the identities subscribed to a topic in subscription order
	MembersOf(topic string) []string
	// Target resolve the delivery state of an identity for a topic
	Target(identity string, topic string) (Target, bool)
	// Enqueue queue a notification for an identity. Returns the number of older
	// notifications dropped to respect the queue depth.
	Enqueue(identity string, notification string, now time.Time) (int, error)
	// ExpirePending drop queued notifications older than the max age
	ExpirePending(now time.Time) int
	// IdentityOf the identity bound to a connection
	IdentityOf(conn string) (string, bool)
	// Get snapshot of one subscriber
	Get(identity string) (SubscriberInfo, bool)
	// List snapshot of all subscribers, ordered by identity
	List() []SubscriberInfo
	// Topics snapshot of all topics, ordered by topic
	Topics() []TopicInfo
	// OnlineConnections connections of all online subscribers
	OnlineConnections() []string
}

type pendingEntry struct {
	notification string
	enqueuedAt   time.Time
}

type subscriber struct {
	identity      string
	connection    string
	online        bool
	subscriptions map[string]bool
	pending       []pendingEntry
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	byIdentity   map[string]*subscriber
	byConnection map[string]string
	byTopic      map[string][]string
	maxPending   int
	maxAge       time.Duration
}

// GetRegistry define a new subscriber registry
//
// maxPending bounds each subscriber's pending queue, 0 for unbounded. maxAge
// bounds how long a notification may stay queued, 0 for no limit.
func GetRegistry(maxPending int, maxAge time.Duration) (Registry, error) {
	if maxPending < 0 {
		return nil, fmt.Errorf("max pending queue depth can't be negative: %d", maxPending)
	}
	if maxAge < 0 {
		return nil, fmt.Errorf("max pending age can't be negative: %s", maxAge)
	}
	logTags := log.Fields{"module": "registry", "component": "subscriber-registry"}
	return &registryImpl{
		Component:    common.Component{LogTags: logTags},
		byIdentity:   make(map[string]*subscriber),
		byConnection: make(map[string]string),
		byTopic:      make(map[string][]string),
		maxPending:   maxPending,
		maxAge:       maxAge,
	}, nil
}

func (r *registryImpl) BindIdentity(identity string, conn string, now time.Time) ([]string, error) {
	if existing, ok := r.byConnection[conn]; ok {
		return nil, fmt.Errorf("%w: %s bound to %s", ErrConnectionInUse, conn, existing)
	}
	record, ok := r.byIdentity[identity]
	if ok && record.online {
		return nil, ErrAlreadyOnline
	}
	if !ok {
		record = &subscriber{identity: identity, subscriptions: make(map[string]bool)}
		r.byIdentity[identity] = record
		log.WithFields(r.ExtendLogTags(log.Fields{"identity": identity})).
			Debug("New subscriber record")
	}
	record.online = true
	record.connection = conn
	r.byConnection[conn] = identity

	r.expireOne(record, now)
	flush := make([]string, len(record.pending))
	for idx, entry := range record.pending {
		flush[idx] = entry.notification
	}
	record.pending = nil
	return flush, nil
}

func (r *registryImpl) MarkOffline(conn string) (string, bool) {
	identity, ok := r.byConnection[conn]
	if !ok {
		return "", false
	}
	delete(r.byConnection, conn)
	if record, ok := r.byIdentity[identity]; ok {
		record.online = false
		record.connection = ""
	}
	return identity, true
}

func (r *registryImpl) Subscribe(identity string, topic string, storeAndForward bool) error {
	record, ok := r.byIdentity[identity]
	if !ok {
		return ErrUnknownSubscriber
	}
	if _, subscribed := record.subscriptions[topic]; !subscribed {
		r.byTopic[topic] = append(r.byTopic[topic], identity)
	}
	record.subscriptions[topic] = storeAndForward
	return nil
}

func (r *registryImpl) Unsubscribe(identity string, topic string) error {
	record, ok := r.byIdentity[identity]
	if !ok {
		return ErrUnknownSubscriber
	}
	if _, subscribed := record.subscriptions[topic]; !subscribed {
		return nil
	}
	delete(record.subscriptions, topic)
	members := r.byTopic[topic]
	for idx, member := range members {
		if member == identity {
			members = append(members[:idx], members[idx+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(r.byTopic, topic)
	} else {
		r.byTopic[topic] = members
	}
	return nil
}

func (r *registryImpl) MembersOf(topic string) []string {
	members := r.byTopic[topic]
	result := make([]string, len(members))
	copy(result, members)
	return result
}

func (r *registryImpl) Target(identity string, topic string) (Target, bool) {
	record, ok := r.byIdentity[identity]
	if !ok {
		return Target{}, false
	}
	storeAndForward, subscribed := record.subscriptions[topic]
	return Target{
		Online:          record.online,
		Connection:      record.connection,
		Subscribed:      subscribed,
		StoreAndForward: storeAndForward,
	}, true
}

func (r *registryImpl) Enqueue(identity string, notification string, now time.Time) (int, error) {
	record, ok := r.byIdentity[identity]
	if !ok {
		return 0, ErrUnknownSubscriber
	}
	record.pending = append(record.pending, pendingEntry{notification: notification, enqueuedAt: now})
	evicted := 0
	if r.maxPending > 0 && len(record.pending) > r.maxPending {
		evicted = len(record.pending) - r.maxPending
		record.pending = append([]pendingEntry(nil), record.pending[evicted:]...)
		log.WithFields(r.ExtendLogTags(log.Fields{"identity": identity})).
			Warnf("Pending queue full, dropped %d oldest", evicted)
	}
	return evicted, nil
}

func (r *registryImpl) ExpirePending(now time.Time) int {
	if r.maxAge == 0 {
		return 0
	}
	dropped := 0
	for _, record := range r.byIdentity {
		dropped += r.expireOne(record, now)
	}
	return dropped
}

// expireOne drop the expired head of one pending queue
func (r *registryImpl) expireOne(record *subscriber, now time.Time) int {
	if r.maxAge == 0 {
		return 0
	}
	cutoff := now.Add(-r.maxAge)
	keep := 0
	for keep < len(record.pending) && record.pending[keep].enqueuedAt.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		record.pending = append([]pendingEntry(nil), record.pending[keep:]...)
	}
	return keep
}

func (r *registryImpl) IdentityOf(conn string) (string, bool) {
	identity, ok := r.byConnection[conn]
	return identity, ok
}

func (r *registryImpl) Get(identity string) (SubscriberInfo, bool) {
	record, ok := r.byIdentity[identity]
	if !ok {
		return SubscriberInfo{}, false
	}
	return snapshot(record), true
}

func (r *registryImpl) List() []SubscriberInfo {
	result := make([]SubscriberInfo, 0, len(r.byIdentity))
	for _, record := range r.byIdentity {
		result = append(result, snapshot(record))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Identity < result[j].Identity })
	return result
}

func (r *registryImpl) Topics() []TopicInfo {
	result := make([]TopicInfo, 0, len(r.byTopic))
	for topic := range r.byTopic {
		result = append(result, TopicInfo{Topic: topic, Members: r.MembersOf(topic)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result
}

func (r *registryImpl) OnlineConnections() []string {
	result := make([]string, 0, len(r.byConnection))
	for conn := range r.byConnection {
		result = append(result, conn)
	}
	sort.Strings(result)
	return result
}

func snapshot(record *subscriber) SubscriberInfo {
	subscriptions := make(map[string]bool, len(record.subscriptions))
	for topic, storeAndForward := range record.subscriptions {
		subscriptions[topic] = storeAndForward
	}
	return SubscriberInfo{
		Identity:      record.identity,
		Online:        record.online,
		Connection:    record.connection,
		Subscriptions: subscriptions,
		Pending:       len(record.pending),
	}
}
