package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/splitwell/settlement-service/internal/domain"
)

// TransferStatusConsumer adapts broker-delivered transfer status events onto
// the service's synchronizer. Webhook and broker deliveries of the same
// event converge through the status log's event-id dedup.
type TransferStatusConsumer struct {
	service *Service
}

func NewTransferStatusConsumer(service *Service) *TransferStatusConsumer {
	return &TransferStatusConsumer{service: service}
}

// HandleMessage is the binding handler: returning true acks the delivery,
// false nacks it back onto the queue.
func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=transfer_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.ProcessorEventID) == "" || strings.TrimSpace(event.TransferID) == "" {
		log.Printf("level=warn component=transfer_consumer msg=\"event missing identifiers; dropping\" event_id=%q transfer_id=%q", event.ProcessorEventID, event.TransferID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.ApplyTransferStatus(ctx, event); err != nil {
		// Malformed statuses are dropped; anything else is retried.
		if errors.Is(err, ErrUnknownTransferStatus) {
			log.Printf("level=warn component=transfer_consumer msg=\"unknown status; dropping\" transfer_id=%s status=%q", event.TransferID, event.Status)
			return true
		}
		log.Printf("level=error component=transfer_consumer msg=\"processing error; re-queuing\" transfer_id=%s err=%v", event.TransferID, err)
		return false
	}

	return true
}
