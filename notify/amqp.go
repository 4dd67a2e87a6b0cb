package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer drains push payloads from the broker queue the push gateway
// publishes to and hands them to the router. The delivery transport itself
// (APNs/FCM) stays on the gateway side.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *slog.Logger
}

func NewConsumer(url, queue string, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Run consumes until ctx is done. Payloads that fail to decode are acked
// and dropped; a broken payload would otherwise be redelivered forever.
func (c *Consumer) Run(ctx context.Context, handle func(Payload)) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("push queue %s closed", c.queue)
			}
			p, err := decodePayload(d.Body)
			if err != nil {
				c.logger.Warn("undecodable push payload dropped", "error", err)
				d.Ack(false)
				continue
			}
			handle(p)
			d.Ack(false)
		}
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// decodePayload tolerates non-string values: everything is flattened into
// the string map the router expects.
func decodePayload(body []byte) (Payload, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	p := make(Payload, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			p[k] = val
		case nil:
			p[k] = ""
		default:
			p[k] = fmt.Sprint(val)
		}
	}
	return p, nil
}
