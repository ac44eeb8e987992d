// Package schema maps bus topics to event schema descriptors.
//
// Registration is static: the known topic set is declared at startup and
// never changes while the ingester runs. Variant dispatch is by table
// lookup on the topic name, not by payload sniffing.
package schema

import (
	"fmt"
	"sort"
)

// FieldKind is the primitive kind a payload field must satisfy.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
	// KindAny accepts any JSON value, including null.
	KindAny FieldKind = "any"
)

// Field declares one payload key constraint.
type Field struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// Descriptor describes the concrete event schema bound to a topic.
type Descriptor struct {
	// EventType is the discriminator value producers set on the envelope,
	// e.g. "OrderCreated".
	EventType string
	// AggregateType the event applies to, e.g. "Order".
	AggregateType string
	// Payload lists the structural constraints checked by the validator.
	// Unknown payload keys are always allowed and preserved verbatim.
	Payload []Field
}

// Registry holds the static topic → descriptor table.
type Registry struct {
	byTopic map[string]Descriptor
}

// NewRegistry builds a registry from explicit topic bindings.
func NewRegistry(bindings map[string]Descriptor) (*Registry, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("schema registry requires at least one topic binding")
	}
	byTopic := make(map[string]Descriptor, len(bindings))
	for topic, desc := range bindings {
		if topic == "" {
			return nil, fmt.Errorf("empty topic name in registry")
		}
		if desc.EventType == "" {
			return nil, fmt.Errorf("topic %s: descriptor has no event type", topic)
		}
		byTopic[topic] = desc
	}
	return &Registry{byTopic: byTopic}, nil
}

// Resolve looks up the descriptor for a topic. The boolean is false for an
// unknown topic, which the pipeline treats as a configuration fault and
// dead-letters without stalling the partition.
func (r *Registry) Resolve(topic string) (Descriptor, bool) {
	desc, ok := r.byTopic[topic]
	return desc, ok
}

// Topics returns the registered topic names, sorted for stable subscription
// and logging order.
func (r *Registry) Topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Default returns the production topic set for the order domain.
// Topic naming convention: {domain}.{aggregate}.{action}.
func Default() *Registry {
	reg, err := NewRegistry(map[string]Descriptor{
		"orders.order.created": {
			EventType:     "OrderCreated",
			AggregateType: "Order",
			Payload: []Field{
				{Name: "customer_id", Kind: KindString, Required: true},
				{Name: "total_amount", Kind: KindNumber, Required: true},
				{Name: "currency", Kind: KindString, Required: true},
				{Name: "lines", Kind: KindArray, Required: true},
			},
		},
		"orders.order.updated": {
			EventType:     "OrderUpdated",
			AggregateType: "Order",
			Payload: []Field{
				{Name: "changes", Kind: KindObject, Required: true},
			},
		},
		"orders.order.cancelled": {
			EventType:     "OrderCancelled",
			AggregateType: "Order",
			Payload: []Field{
				{Name: "reason", Kind: KindString, Required: false},
				{Name: "cancelled_by", Kind: KindString, Required: false},
			},
		},
		"payments.payment.authorized": {
			EventType:     "PaymentAuthorized",
			AggregateType: "Payment",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
				{Name: "method", Kind: KindString, Required: true},
			},
		},
		"payments.payment.captured": {
			EventType:     "PaymentCaptured",
			AggregateType: "Payment",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
			},
		},
		"payments.payment.refunded": {
			EventType:     "PaymentRefunded",
			AggregateType: "Payment",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "amount", Kind: KindNumber, Required: true},
				{Name: "reason", Kind: KindString, Required: false},
			},
		},
		"inventory.stock.reserved": {
			EventType:     "StockReserved",
			AggregateType: "Stock",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "sku", Kind: KindString, Required: true},
				{Name: "quantity", Kind: KindNumber, Required: true},
			},
		},
		"inventory.stock.released": {
			EventType:     "StockReleased",
			AggregateType: "Stock",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "sku", Kind: KindString, Required: true},
				{Name: "quantity", Kind: KindNumber, Required: true},
			},
		},
		"shipping.shipment.dispatched": {
			EventType:     "ShipmentDispatched",
			AggregateType: "Shipment",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "carrier", Kind: KindString, Required: true},
				{Name: "tracking_number", Kind: KindString, Required: false},
			},
		},
		"shipping.shipment.delivered": {
			EventType:     "ShipmentDelivered",
			AggregateType: "Shipment",
			Payload: []Field{
				{Name: "order_id", Kind: KindString, Required: true},
				{Name: "delivered_at", Kind: KindString, Required: true},
			},
		},
	})
	if err != nil {
		// Static table, only reachable through a programming error.
		panic(err)
	}
	return reg
}
