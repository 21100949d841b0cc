package history

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/redis"
	"github.com/fetchoracle/twapfeed/pkg/twap"
)

// Publisher announces every computation on a Redis channel and appends it to
// a capped stream.
type Publisher struct {
	client  *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

func NewPublisher(client *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger, timeout: 2 * time.Second}
}

// Message is the JSON published on redis.PriceChannel.
type Message struct {
	Currency  string    `json:"currency"`
	Pair      string    `json:"pair"`
	Price     float64   `json:"price"`
	Weight    float64   `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
	Block     uint64    `json:"block"`
}

func (p *Publisher) Observe(ctx context.Context, obs twap.Observation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	payload, err := json.Marshal(Message{
		Currency:  obs.Currency,
		Pair:      obs.Pair,
		Price:     obs.Price,
		Weight:    obs.Weight,
		Timestamp: obs.Timestamp,
		Block:     obs.BlockNumber,
	})
	if err != nil {
		p.logger.Warn("Failed to encode price message", zap.Error(err))
		return
	}
	p.client.Publish(ctx, redis.PriceChannel, payload)
	p.client.XAdd(ctx, redis.PriceStream, map[string]interface{}{
		"currency": obs.Currency,
		"price":    strconv.FormatFloat(obs.Price, 'g', -1, 64),
		"weight":   strconv.FormatFloat(obs.Weight, 'g', -1, 64),
		"ts":       obs.Timestamp.Unix(),
	})
}
