package bus

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// Kafka implements Bus using a Kafka backend. Each key maps to a topic; wake
// events are tiny messages consumed from the newest offset, so a subscriber
// only sees releases that happen after it subscribed.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

// NewKafka creates a Kafka bus connecting to the given brokers.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Bus.Publish.
func (b *Kafka) Publish(ctx context.Context, key string) error {
	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.StringEncoder("1")}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Subscribe implements Bus.Subscribe.
func (b *Kafka) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(key, pc.Messages())
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *Kafka) dispatch(key string, msgs <-chan *sarama.ConsumerMessage) {
	for range msgs {
		b.mu.Lock()
		sub := b.subs[key]
		var chans []chan struct{}
		if sub != nil {
			chans = append(chans, sub.chans...)
		}
		b.mu.Unlock()
		for _, c := range chans {
			select {
			case c <- struct{}{}:
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The partition consumer is closed
// once the last local subscriber for the key is gone.
func (b *Kafka) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	var pc sarama.PartitionConsumer
	if len(sub.chans) == 0 {
		pc = sub.pc
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// Close shuts down the producer and consumer along with every subscription.
func (b *Kafka) Close() error {
	b.mu.Lock()
	for key, sub := range b.subs {
		for _, c := range sub.chans {
			close(c)
		}
		_ = sub.pc.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
