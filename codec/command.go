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
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// SubscribeCommand a parsed subscribe request
type SubscribeCommand struct {
	Topic           string
	StoreAndForward bool
}

// UnsubscribeCommand a parsed unsubscribe request
type UnsubscribeCommand struct {
	Topic string
}

type subscribeTokens struct {
	Verb  string `validate:"eq=subscribe"`
	Topic string `validate:"required"`
	Flag  string `validate:"oneof=0 1"`
}

type unsubscribeTokens struct {
	Verb  string `validate:"eq=unsubscribe"`
	Topic string `validate:"required"`
}

type identityParam struct {
	Identity string `validate:"required,printascii"`
}

var validate = validator.New()

// ParseSubscribe parse "subscribe <topic> <0|1>"
func ParseSubscribe(text string) (SubscribeCommand, error) {
	tokens := commandTokens(text)
	if len(tokens) != 3 {
		return SubscribeCommand{}, fmt.Errorf(
			"%w: subscribe expects 3 tokens, got %d", ErrMalformedCommand, len(tokens),
		)
	}
	parsed := subscribeTokens{Verb: tokens[0], Topic: tokens[1], Flag: tokens[2]}
	if err := validate.Struct(&parsed); err != nil {
		return SubscribeCommand{}, fmt.Errorf("%w: %s", ErrMalformedCommand, err.Error())
	}
	if err := checkTopic(parsed.Topic); err != nil {
		return SubscribeCommand{}, err
	}
	return SubscribeCommand{Topic: parsed.Topic, StoreAndForward: parsed.Flag == "1"}, nil
}

// ParseUnsubscribe parse "unsubscribe <topic>"
func ParseUnsubscribe(text string) (UnsubscribeCommand, error) {
	tokens := commandTokens(text)
	if len(tokens) != 2 {
		return UnsubscribeCommand{}, fmt.Errorf(
			"%w: unsubscribe expects 2 tokens, got %d", ErrMalformedCommand, len(tokens),
		)
	}
	parsed := unsubscribeTokens{Verb: tokens[0], Topic: tokens[1]}
	if err := validate.Struct(&parsed); err != nil {
		return UnsubscribeCommand{}, fmt.Errorf("%w: %s", ErrMalformedCommand, err.Error())
	}
	if err := checkTopic(parsed.Topic); err != nil {
		return UnsubscribeCommand{}, err
	}
	return UnsubscribeCommand{Topic: parsed.Topic}, nil
}

// ParseIdentity validate the identity carried by an announce frame
func ParseIdentity(text string) (string, error) {
	identity := strings.TrimRight(text, "\x00\r\n")
	if err := validate.Struct(&identityParam{Identity: identity}); err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformedCommand, err.Error())
	}
	if len(identity) > MaxIdentityLen {
		return "", fmt.Errorf(
			"%w: identity longer than %d bytes", ErrMalformedCommand, MaxIdentityLen,
		)
	}
	if strings.IndexFunc(identity, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: identity contains whitespace", ErrMalformedCommand)
	}
	return identity, nil
}

func commandTokens(text string) []string {
	return strings.Fields(strings.TrimRight(text, "\x00"))
}

func checkTopic(topic string) error {
	if len(topic) > MaxTopicLen {
		return fmt.Errorf("%w: topic longer than %d bytes", ErrMalformedCommand, MaxTopicLen)
	}
	return nil
}
