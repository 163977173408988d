package eventbus

import "context"

// NopBus is a Bus that discards everything. Used when lifecycle events are
// disabled in configuration.
type NopBus struct{}

// NewNopBus creates a no-op event bus.
func NewNopBus() *NopBus { return &NopBus{} }

func (NopBus) Publish(ctx context.Context, event Event)                  {}
func (NopBus) Subscribe(handler Handler, eventTypes ...EventType) string { return "" }
func (NopBus) SubscribeAll(handler Handler) string                       { return "" }
func (NopBus) Unsubscribe(subscriptionID string)                         {}
func (NopBus) Close()                                                    {}
