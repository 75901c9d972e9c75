package models

import (
	"errors"
	"strings"
)

const (
	TopicNamespace = "chat"
	topicSuffix    = "messages"
)

// TopicPattern matches every conversation topic, for Redis PSUBSCRIBE.
const TopicPattern = TopicNamespace + ":*:" + topicSuffix

var ErrInvalidTopic = errors.New("invalid topic key")

// TopicKey returns the address of a conversation's message stream.
// Subscriptions match it exactly; there are no wildcards.
func TopicKey(conversationID string) string {
	return TopicNamespace + ":" + conversationID + ":" + topicSuffix
}

// ParseTopicKey returns the conversation id a topic key was derived from.
func ParseTopicKey(topic string) (string, error) {
	rest, ok := strings.CutPrefix(topic, TopicNamespace+":")
	if !ok {
		return "", ErrInvalidTopic
	}
	id, ok := strings.CutSuffix(rest, ":"+topicSuffix)
	if !ok || id == "" || strings.ContainsAny(id, ":*?[") {
		return "", ErrInvalidTopic
	}
	return id, nil
}
