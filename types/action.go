package types

import (
	"time"
)

const ActionCacheInvalidate = "cache.invalidate"

type ActionBroker interface {
	LifecycleManager
	Publish(action string, payload interface{}) error
	Subscribe(action string, handler ActionHandler) error
	Unsubscribe(action string) error
}

type ActionHandler func(message *ActionMessage) error
type ActionBrokerCreator func(config interface{}) (ActionBroker, error)

type ActionMessage struct {
	Action    string            `json:"action"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata"`
	MessageID string            `json:"message_id"`
}

// InvalidationMessage is the payload of ActionCacheInvalidate.
type InvalidationMessage struct {
	Key    string `json:"key,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}
