package events

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/smallbiznis/dunning/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewPublisher publishes to Kafka when brokers are configured and to an
// in-process channel otherwise.
func NewPublisher(p Params) (Publisher, error) {
	wmLog := NewLoggerAdapter(p.Log)

	var (
		pub message.Publisher
		err error
	)
	if len(p.Config.Kafka.Brokers) > 0 {
		saramaCfg := sarama.NewConfig()
		saramaCfg.Producer.Return.Successes = true
		pub, err = kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               p.Config.Kafka.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaCfg,
			OTELEnabled:           true,
		}, wmLog)
		if err != nil {
			return nil, err
		}
		p.Log.Info("action events publishing to kafka",
			zap.Strings("brokers", p.Config.Kafka.Brokers),
			zap.String("topic", p.Config.Kafka.Topic),
		)
	} else {
		pub = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 1000,
		}, wmLog)
	}

	publisher := NewWatermillPublisher(pub, p.Config.Kafka.Topic, p.Log)
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)
