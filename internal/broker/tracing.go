package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// headersCarrier adapts amqp.Table to propagation.TextMapCarrier.
type headersCarrier struct {
	headers amqp.Table
}

func (c *headersCarrier) Get(key string) string {
	if v, ok := c.headers[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c *headersCarrier) Set(key, value string) {
	c.headers[key] = value
}

func (c *headersCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext returns an amqp.Table carrying ctx's trace context,
// for use as a Publishing's Headers.
func InjectTraceContext(ctx context.Context) amqp.Table {
	headers := make(amqp.Table)
	otel.GetTextMapPropagator().Inject(ctx, &headersCarrier{headers: headers})
	return headers
}

// ExtractTraceContext returns a context carrying the trace context found
// in headers, so a consumer span can continue the publisher's trace.
func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headersCarrier{headers: headers})
}
