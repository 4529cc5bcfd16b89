package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	clog "interestchat/internal/log"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig 配置生命周期事件写入的 Kafka 集群。
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// Kafka 把事件以 chat id 为 key 写入 Kafka，同一聊天的事件落在同一分区并保持顺序。
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(cfg KafkaConfig) *Kafka {
	brokers := strings.Split(cfg.Brokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				clog.Ctx(context.Background()).Warn().Err(err).Int("count", len(messages)).Msg("kafka write lifecycle events")
			}
		},
	}
	return &Kafka{writer: w}
}

func (k *Kafka) Emit(ctx context.Context, evt Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		clog.Ctx(ctx).Error().Err(err).Str("type", evt.Type).Msg("marshal lifecycle event")
		return
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(uint64(evt.ChatID), 10)),
		Value: value,
		Time:  evt.At,
	}
	// Async 模式下 WriteMessages 不阻塞，错误在 Completion 中上报。
	if err := k.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		clog.Ctx(ctx).Warn().Err(err).Str("type", evt.Type).Msg("kafka emit")
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
