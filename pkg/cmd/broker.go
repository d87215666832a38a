package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/genflow/pkg/queue"
	"github.com/dukex/genflow/pkg/queue/memory"
	redisbroker "github.com/dukex/genflow/pkg/queue/redis"
	"github.com/redis/go-redis/v9"
)

// NewBroker connects to redis:// and rediss:// URLs. "memory" returns an in-process broker
// that only serves a single binary.
func NewBroker(ctx context.Context, logger *slog.Logger, brokerURL string) (queue.Broker, error) {
	scheme, _ := splitURL(brokerURL)

	switch {
	case brokerURL == "memory":
		return memory.NewBroker(), nil
	case scheme == "redis" || scheme == "rediss":
		options, err := redis.ParseURL(brokerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}

		client := redis.NewClient(options)

		err = client.Ping(ctx).Err()
		if err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		return redisbroker.NewBroker(client, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue broker: %s", brokerURL)
	}
}
