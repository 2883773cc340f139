package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/pet-image-pipeline/internal/pet"
)

// ErrInvalidMessage wraps validation failures from Enqueue.
var ErrInvalidMessage = errors.New("invalid work message")

// Producer stamps and validates work messages before publishing them.
type Producer struct {
	transport pet.Transport
	ids       pet.IDGenerator
	clock     pet.Clock
}

// NewProducer builds a Producer.
func NewProducer(transport pet.Transport, ids pet.IDGenerator, clock pet.Clock) *Producer {
	return &Producer{transport: transport, ids: ids, clock: clock}
}

// Enqueue assigns an id and timestamp, applies defaults, and publishes msg
// for immediate delivery.
func (p *Producer) Enqueue(ctx context.Context, msgType pet.MessageType, payload pet.Payload, maxRetries int) (pet.WorkMessage, error) {
	msg := pet.WorkMessage{
		Type:       msgType,
		Payload:    payload,
		MaxRetries: maxRetries,
		Timestamp:  p.clock.Now(),
	}.WithDefaults()
	if err := msg.Validate(); err != nil {
		return pet.WorkMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return pet.WorkMessage{}, fmt.Errorf("allocate message id: %w", err)
	}
	msg.ID = id
	if err := p.transport.Publish(ctx, msg, 0); err != nil {
		return pet.WorkMessage{}, fmt.Errorf("publish %s message: %w", msgType, err)
	}
	return msg, nil
}
