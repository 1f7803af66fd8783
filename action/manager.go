package action

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/types"
	"github.com/saiset-co/sai-directory/utils"
)

var customActionCreators = sync.Map{}

func RegisterActionBroker(actionBrokerName string, creator types.ActionBrokerCreator) {
	customActionCreators.Store(actionBrokerName, creator)
}

func NewActionBroker(config *types.ActionsConfig, logger types.Logger, metrics types.MetricsManager) (types.ActionBroker, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrActionIsDisabled
	}

	switch config.Type {
	case BrokerWebSocket:
		broker, err := NewPeerBroker(config.Config, logger, metrics)
		if err != nil {
			return nil, err
		}
		return broker, nil
	default:
		if creator, ok := customActionCreators.Load(config.Type); ok {
			return creator.(types.ActionBrokerCreator)(config.Config)
		}
		return nil, types.Errorf(types.ErrActionTypeUnknown, "type: %s", config.Type)
	}
}

// RemoteInvalidator applies invalidations that originated on another replica.
type RemoteInvalidator interface {
	ApplyRemote(ctx context.Context, msg types.InvalidationMessage) error
}

// Relay subscribes target to peer invalidations and returns the notifier that
// forwards local invalidations to the peers.
func Relay(broker types.ActionBroker, target RemoteInvalidator, timeout time.Duration, logger types.Logger) (func(types.InvalidationMessage), error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	err := broker.Subscribe(types.ActionCacheInvalidate, func(message *types.ActionMessage) error {
		var msg types.InvalidationMessage
		if err := utils.UnmarshalConfig(message.Payload, &msg); err != nil {
			return types.WrapError(err, "failed to decode invalidation")
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		return target.ApplyRemote(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	return func(msg types.InvalidationMessage) {
		if err := broker.Publish(types.ActionCacheInvalidate, msg); err != nil {
			logger.Warn("Failed to broadcast invalidation",
				zap.String("key", msg.Key),
				zap.String("prefix", msg.Prefix),
				zap.Error(err))
		}
	}, nil
}
