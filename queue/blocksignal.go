package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RM0420/GoalGuard-sub000/lib/logger"
	"github.com/RM0420/GoalGuard-sub000/storage/cache"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// signalDedupeTTL bounds how long a processed signal id is remembered.
const signalDedupeTTL = 48 * time.Hour

// BlockSignalMessage is the engine's only output to the app-blocking
// mechanism: the final settlement status for one (user, date). How apps are
// blocked in response is entirely up to the consumer side.
type BlockSignalMessage struct {
	Id     string `json:"id"`     // unique id of the message, used for consumer dedupe
	UserID string `json:"user_id"`
	Date   string `json:"date"`
	Status string `json:"status"`
}

// BlockHandler is invoked once per deduplicated block signal. It is the
// handoff point to the external blocking mechanism.
type BlockHandler func(ctx context.Context, msg *BlockSignalMessage) error

// BlockSignalProducerFactory is a struct for creating new BlockSignalProducer instances.
type BlockSignalProducerFactory struct{}

// BlockSignalConsumerFactory is a struct for creating new BlockSignalConsumer
// instances. It carries the cache used for processed-message dedupe and the
// handler the deduplicated signals are delivered to.
type BlockSignalConsumerFactory struct {
	Cache   cache.CacheInterface
	Handler BlockHandler
}

// BlockSignalProducer manages the connection, channel, and queue of the AMQP
// message producer for block signals.
type BlockSignalProducer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   *amqp.Queue
}

// BlockSignalConsumer manages the connection, channel, queue, cache and
// handler of the AMQP message consumer for block signals.
type BlockSignalConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   *amqp.Queue
	cache   cache.CacheInterface
	handler BlockHandler
}

// CreateProducer instantiates a new BlockSignalProducer with the given
// connection, channel, and queue.
func (f *BlockSignalProducerFactory) CreateProducer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Producer, error) {
	return &BlockSignalProducer{
		conn:    conn,
		channel: ch,
		queue:   queue,
	}, nil
}

// CreateConsumer instantiates a new BlockSignalConsumer with the given
// connection, channel, and queue, plus the factory's cache and handler.
func (f *BlockSignalConsumerFactory) CreateConsumer(conn *amqp.Connection, ch *amqp.Channel, queue *amqp.Queue) (Consumer, error) {
	if f.Handler == nil {
		return nil, errors.New("block signal consumer requires a handler")
	}
	return &BlockSignalConsumer{
		conn:    conn,
		channel: ch,
		queue:   queue,
		cache:   f.Cache,
		handler: f.Handler,
	}, nil
}

// Publish publishes the given message body to the block-signal queue.
func (bp *BlockSignalProducer) Publish(body []byte) error {
	err := bp.channel.Publish(
		"",            // exchange
		bp.queue.Name, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish a message: %w", err)
	}

	return nil
}

// Consume sets up a consumer on the block-signal queue and launches a
// goroutine that continuously reads from it. Each message is unmarshalled,
// checked against the cache so a redelivered signal is not handed to the
// blocking mechanism twice, and then delivered to the handler.
func (bc *BlockSignalConsumer) Consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := bc.channel.Consume(
		bc.queue.Name,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case d, ok := <-msgs:

				if !ok {
					return
				}

				message := &BlockSignalMessage{}
				if err := json.Unmarshal(d.Body, message); err != nil {
					logger.Sugar.Errorf("failed to unmarshal block signal: %v", err)
					d.Nack(false, false) // malformed, do not requeue
					continue
				}

				if bc.cache != nil {
					err := bc.cache.Get(ctx, "blocksignal_"+message.Id, new(bool))
					if err == nil {
						// Already processed; acknowledge and move on.
						d.Ack(false)
						continue
					}
					if err != cache.ErrCacheMiss {
						logger.Sugar.Errorf("error checking cache: %v", err)
						d.Nack(false, true) // requeue the message in case of transient error.
						continue
					}
				}

				if err := bc.handler(ctx, message); err != nil {
					logger.Sugar.Errorf("failed to handle block signal: %v", err)
					d.Nack(false, true) // requeue the message in case of transient error.
				} else {
					d.Ack(false)
					if bc.cache != nil {
						if err := bc.cache.Set(ctx, "blocksignal_"+message.Id, true, signalDedupeTTL); err != nil {
							logger.Sugar.Errorf("failed to set key in cache: %v", err)
						}
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return msgs, nil
}

// BuildBlockSignalQueue initializes a Queue for block-signal messages with
// the given number of producers and consumers. The handler may be nil when
// the process only publishes.
func BuildBlockSignalQueue(rabbitMQURL string, numProducers, numConsumers int, dedupeCache cache.CacheInterface, handler BlockHandler) (*Queue, error) {
	prodFactories := make([]ProducerFactory, numProducers)
	for i := 0; i < numProducers; i++ {
		prodFactories[i] = &BlockSignalProducerFactory{}
	}

	consFactories := make([]ConsumerFactory, numConsumers)
	for i := 0; i < numConsumers; i++ {
		consFactories[i] = &BlockSignalConsumerFactory{Cache: dedupeCache, Handler: handler}
	}

	return InitQueue(rabbitMQURL, "blockSignalQueue", prodFactories, consFactories)
}

// BlockSignalPublisher publishes final settlement statuses onto a queue's
// producers in a round-robin manner. It satisfies the orchestrator's
// Publisher contract.
type BlockSignalPublisher struct {
	queue *Queue

	mu   sync.Mutex
	next int
}

// NewBlockSignalPublisher creates a publisher over the given queue.
func NewBlockSignalPublisher(q *Queue) *BlockSignalPublisher {
	return &BlockSignalPublisher{queue: q}
}

// Publish serializes one (user, date, status) block signal and publishes it
// on the next producer in line.
func (p *BlockSignalPublisher) Publish(ctx context.Context, userID, date, status string) error {
	msg := &BlockSignalMessage{
		Id:     uuid.NewString(),
		UserID: userID,
		Date:   date,
		Status: status,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal block signal: %w", err)
	}

	p.mu.Lock()
	producerCount := len(p.queue.Producers)
	if producerCount == 0 {
		p.mu.Unlock()
		return errors.New("no producers available")
	}
	producer := p.queue.Producers[p.next%producerCount]
	p.next++
	p.mu.Unlock()

	if err := producer.Publish(body); err != nil {
		return fmt.Errorf("failed to publish block signal: %w", err)
	}

	return nil
}
