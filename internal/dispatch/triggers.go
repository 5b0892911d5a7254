package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gmboard/gmboard/internal/models"
	"github.com/gmboard/gmboard/internal/syncmetrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Trigger transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
	TransportNone  = "none"
)

// TriggerDispatcherOptions configures a TriggerDispatcher. Webhooks and URLs
// are used by the http transport, Producer and TopicPrefix by kafka.
type TriggerDispatcherOptions struct {
	Transport   string
	Webhooks    *WebhookDispatcher
	URLs        map[string]string
	Producer    MessageWriter
	TopicPrefix string
	// Sync delivers inside Fire instead of on a background goroutine.
	Sync bool
	Logf func(format string, args ...any)
}

// TriggerDispatcher hands post-sync trigger events to downstream workers.
type TriggerDispatcher struct {
	transport   string
	webhooks    *WebhookDispatcher
	urls        map[string]string
	producer    MessageWriter
	topicPrefix string
	sync        bool
	logf        func(format string, args ...any)

	wg sync.WaitGroup
}

func NewTriggerDispatcher(opts TriggerDispatcherOptions) (*TriggerDispatcher, error) {
	transport := strings.ToLower(strings.TrimSpace(opts.Transport))
	if transport == "" {
		transport = TransportNone
	}
	switch transport {
	case TransportHTTP:
		if opts.Webhooks == nil {
			return nil, errors.New("http trigger transport requires a webhook dispatcher")
		}
	case TransportKafka:
		if opts.Producer == nil {
			return nil, errors.New("kafka trigger transport requires a producer")
		}
	case TransportNone:
	default:
		return nil, fmt.Errorf("unknown trigger transport %q", opts.Transport)
	}

	urls := make(map[string]string, len(opts.URLs))
	for kind, url := range opts.URLs {
		if url = strings.TrimSpace(url); url != "" {
			urls[kind] = url
		}
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	return &TriggerDispatcher{
		transport:   transport,
		webhooks:    opts.Webhooks,
		urls:        urls,
		producer:    opts.Producer,
		topicPrefix: opts.TopicPrefix,
		sync:        opts.Sync,
		logf:        logf,
	}, nil
}

// Fire delivers event. Unless the dispatcher is synchronous it returns
// immediately and delivery continues after ctx is cancelled.
func (d *TriggerDispatcher) Fire(ctx context.Context, event models.TriggerEvent) error {
	if d.transport == TransportNone {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s trigger: %w", event.Kind, err)
	}

	if d.sync {
		return d.deliver(ctx, event, payload)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(context.WithoutCancel(ctx), event, payload); err != nil {
			d.logf("trigger %s for %s failed: %v", event.Kind, event.CalendarSource, err)
		}
	}()
	return nil
}

// Wait blocks until background deliveries finish.
func (d *TriggerDispatcher) Wait() {
	d.wg.Wait()
}

func (d *TriggerDispatcher) deliver(ctx context.Context, event models.TriggerEvent, payload []byte) error {
	switch d.transport {
	case TransportHTTP:
		url, ok := d.urls[event.Kind]
		if !ok {
			return nil
		}
		status, err := d.webhooks.Deliver(ctx, DeliveryRequest{
			DeliveryID: deliveryID(event),
			URL:        url,
			Payload:    payload,
		})
		syncmetrics.RecordTriggerDelivery(event.Kind, err == nil, status.Retries())
		return err
	case TransportKafka:
		err := d.producer.WriteMessages(ctx, d.topicPrefix+event.Kind, kafka.Message{
			Key:   []byte(event.CalendarSource),
			Value: payload,
			Time:  event.FiredAt,
		})
		syncmetrics.RecordTriggerDelivery(event.Kind, err == nil, 0)
		if err != nil {
			return fmt.Errorf("failed to publish %s trigger: %w", event.Kind, err)
		}
		return nil
	}
	return nil
}

func deliveryID(event models.TriggerEvent) string {
	if event.SyncLogID != "" {
		return event.Kind + ":" + event.SyncLogID
	}
	return event.Kind + ":" + uuid.NewString()
}
