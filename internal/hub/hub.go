// Package hub implements the single-consumer routing event loop: the actor
// that owns every client registry, subscription, notification and
// publisher index, and the entitlement-intersection dispatch rules of
// spec.md §4.1. All mutation happens on the Hub's own goroutine, driven by
// events read from one inbox channel (spec.md §9, "Hub as actor").
package hub

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/metrics"
	"github.com/squawkbus/squawkbus/internal/wire"
)

// Config controls the hub's inbox and per-connection outbox capacities.
// Recommended ranges per spec.md §5: inbox 32-256, outbox low hundreds.
type Config struct {
	InboxSize  int
	OutboxSize int
}

// DefaultConfig returns the spec's recommended defaults.
func DefaultConfig() Config {
	return Config{InboxSize: 128, OutboxSize: 256}
}

// Hub is the single serialized event processor. Create one with New, start
// its loop with Run in its own goroutine, and feed it events via Submit.
type Hub struct {
	cfg     Config
	policy  *authz.Store
	logger  *zap.Logger
	metrics *metrics.Registry

	inbox chan ClientEvent

	clients       map[ClientID]*clientRecord
	subscriptions *subscriptionIndex
	notifications *notificationIndex
	publishers    *publisherIndex

	clientCount atomic.Int64
}

// New creates a Hub. policy may be nil, in which case an empty store (no
// rules; every lookup returns no entitlements) is created.
func New(cfg Config, policy *authz.Store, logger *zap.Logger, metricsRegistry *metrics.Registry) *Hub {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultConfig().OutboxSize
	}
	if policy == nil {
		policy = authz.NewStore(nil)
	}
	return &Hub{
		cfg:           cfg,
		policy:        policy,
		logger:        logger,
		metrics:       metricsRegistry,
		inbox:         make(chan ClientEvent, cfg.InboxSize),
		clients:       make(map[ClientID]*clientRecord),
		subscriptions: newSubscriptionIndex(),
		notifications: newNotificationIndex(),
		publishers:    newPublisherIndex(),
	}
}

// OutboxCapacity returns the configured per-connection outbox size, for the
// transport layer to size the channel it hands to OnConnect.
func (h *Hub) OutboxCapacity() int { return h.cfg.OutboxSize }

// Submit enqueues an event for processing. It blocks if the inbox is full,
// which is the mechanism by which a slow hub naturally backpressures its
// producers (spec.md §5).
func (h *Hub) Submit(ctx context.Context, ev ClientEvent) error {
	select {
	case h.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes events one at a time until ctx is cancelled. Hub loop
// termination is fatal to the process (spec.md §4.1): the caller should
// treat Run's return as a signal to shut the whole server down.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.inbox:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev ClientEvent) {
	switch ev.kind {
	case eventOnConnect:
		h.onConnect(ev.connectID, ev.connectHost, ev.connectUser, ev.connectOutbound)
	case eventOnMessage:
		h.onMessage(ev.messageID, ev.message)
	case eventOnClose:
		h.onClose(ev.closeID)
	case eventOnReset:
		h.onReset(ev.newPolicy)
	case eventBarrier:
		close(ev.barrier)
	}
}

func (h *Hub) onConnect(id ClientID, host, user string, outbound chan<- OutboundMessage) {
	h.clients[id] = &clientRecord{id: id, host: host, user: user, outbound: outbound}
	h.clientCount.Add(1)
	h.logger.Debug("client connected", zap.String("client_id", string(id)), zap.String("user", user))
}

func (h *Hub) onReset(policy *authz.Policy) {
	h.policy.Reset(policy)
	h.logger.Info("authorization policy reloaded")
}

func (h *Hub) onMessage(id ClientID, msg wire.Message) {
	publisher, ok := h.clients[id]
	if !ok {
		// Client closed between send and dispatch; drop.
		return
	}

	switch msg.Type {
	case wire.TypeMulticastData:
		h.handleMulticast(publisher, msg)
	case wire.TypeUnicastData:
		h.handleUnicast(publisher, msg)
	case wire.TypeSubscriptionRequest:
		h.handleSubscriptionRequest(publisher, msg)
	case wire.TypeNotificationRequest:
		h.handleNotificationRequest(publisher, msg)
	default:
		h.logger.Warn("unexpected message type at hub", zap.String("client_id", string(id)), zap.Stringer("type", msg.Type))
	}
}

// send attempts a non-blocking delivery to client's outbound channel. A
// full outbox is dropped and logged, never blocking the hub loop
// (spec.md §5).
func (h *Hub) send(c *clientRecord, msg OutboundMessage) (delivered bool) {
	select {
	case c.outbound <- msg:
		return true
	default:
		h.logger.Warn("outbox full, dropping delivery", zap.String("client_id", string(c.id)))
		if h.metrics != nil {
			h.metrics.OutboxFull.Inc()
		}
		return false
	}
}

func (h *Hub) handleMulticast(publisher *clientRecord, msg wire.Message) {
	subs := h.subscriptions.subscribers(msg.Topic)
	if len(subs) == 0 {
		return
	}

	policy := h.policy.Current()
	pubEnt := policy.Entitlements(publisher.user, msg.Topic, authz.Publisher)
	h.publishers.record(publisher.id, msg.Topic)

	for subID := range subs {
		sub, ok := h.clients[subID]
		if !ok {
			continue
		}
		filtered, skip := intersectAndFilter(pubEnt, policy.Entitlements(sub.user, msg.Topic, authz.Subscriber), msg.Packets)
		if skip || len(filtered) == 0 {
			if h.metrics != nil {
				h.metrics.MulticastDropped.Inc()
			}
			continue
		}
		out := wire.ForwardedMulticastDataMessage(publisher.host, publisher.user, msg.Topic, msg.ContentType, filtered)
		if h.send(sub, out) && h.metrics != nil {
			h.metrics.MulticastDelivered.Inc()
		}
	}
}

func (h *Hub) handleUnicast(publisher *clientRecord, msg wire.Message) {
	dest, ok := h.clients[ClientID(msg.DestClientID)]
	if !ok {
		if h.metrics != nil {
			h.metrics.UnicastDropped.Inc()
		}
		return
	}

	policy := h.policy.Current()
	pubEnt := policy.Entitlements(publisher.user, msg.Topic, authz.Publisher)

	filtered, skip := intersectAndFilter(pubEnt, policy.Entitlements(dest.user, msg.Topic, authz.Subscriber), msg.Packets)
	if skip || len(filtered) == 0 {
		if h.metrics != nil {
			h.metrics.UnicastDropped.Inc()
		}
		return
	}
	h.publishers.record(publisher.id, msg.Topic)

	out := wire.ForwardedUnicastDataMessage(publisher.host, publisher.user, string(publisher.id), msg.Topic, msg.ContentType, filtered)
	if h.send(dest, out) && h.metrics != nil {
		h.metrics.UnicastDelivered.Inc()
	}
}

// intersectAndFilter implements spec.md §4.1 step b-d: intersect publisher
// and subscriber entitlements, skip entirely if the publisher has
// entitlements but the intersection is empty, else filter packets to those
// whose required entitlements are satisfied (unfiltered if the publisher
// carried no entitlements at all).
func intersectAndFilter(pubEnt, subEnt map[int32]struct{}, packets []wire.DataPacket) (filtered []wire.DataPacket, skip bool) {
	if len(pubEnt) == 0 {
		return packets, false
	}

	intersection := make(map[int32]struct{})
	for e := range pubEnt {
		if _, ok := subEnt[e]; ok {
			intersection[e] = struct{}{}
		}
	}
	if len(intersection) == 0 {
		return nil, true
	}

	out := make([]wire.DataPacket, 0, len(packets))
	for _, p := range packets {
		if p.Authorized(intersection) {
			out = append(out, p)
		}
	}
	return out, false
}

func (h *Hub) handleSubscriptionRequest(subscriber *clientRecord, msg wire.Message) {
	if msg.IsAdd {
		policy := h.policy.Current()
		if len(policy.Entitlements(subscriber.user, msg.Topic, authz.Subscriber)) == 0 {
			return
		}
		transitioned := h.subscriptions.add(msg.Topic, subscriber.id)
		if h.metrics != nil {
			h.metrics.SubscriptionChurn.Inc()
		}
		if transitioned {
			h.notifyListeners(subscriber, msg.Topic, true)
		}
		return
	}

	transitioned := h.subscriptions.remove(msg.Topic, subscriber.id)
	if h.metrics != nil {
		h.metrics.SubscriptionChurn.Inc()
	}
	if transitioned {
		h.notifyListeners(subscriber, msg.Topic, false)
	}
}

// notifyListeners delivers a ForwardedSubscriptionRequest to every listener
// whose registered pattern matches topic.
func (h *Hub) notifyListeners(subscriber *clientRecord, topic string, isAdd bool) {
	for _, entry := range h.notifications.matching(topic) {
		for listenerID := range entry.listeners {
			listener, ok := h.clients[listenerID]
			if !ok {
				continue
			}
			out := wire.ForwardedSubscriptionRequestMessage(subscriber.host, subscriber.user, string(subscriber.id), topic, isAdd)
			h.send(listener, out)
		}
	}
}

func (h *Hub) handleNotificationRequest(listener *clientRecord, msg wire.Message) {
	if msg.IsAdd {
		transitioned, err := h.notifications.add(msg.Pattern, listener.id)
		if err != nil {
			h.logger.Warn("rejecting invalid notification pattern", zap.String("client_id", string(listener.id)), zap.String("pattern", msg.Pattern), zap.Error(err))
			return
		}
		if h.metrics != nil {
			h.metrics.NotificationChurn.Inc()
		}
		if transitioned {
			h.backfillNotifications(listener, msg.Pattern)
		}
		return
	}

	if h.notifications.remove(msg.Pattern, listener.id) && h.metrics != nil {
		h.metrics.NotificationChurn.Inc()
	}
}

// backfillNotifications implements spec.md §4.1's NotificationRequest
// back-fill: on a pattern's 0->1 listener transition, report every
// currently-subscribed topic that matches.
func (h *Hub) backfillNotifications(listener *clientRecord, pattern string) {
	entry := h.notifications.byPattern[pattern]
	if entry == nil {
		return
	}
	for _, topic := range h.subscriptions.topicsMatching(entry.compiled) {
		for subID := range h.subscriptions.subscribers(topic) {
			sub, ok := h.clients[subID]
			if !ok {
				continue
			}
			out := wire.ForwardedSubscriptionRequestMessage(sub.host, sub.user, string(sub.id), topic, true)
			h.send(listener, out)
		}
	}
}

func (h *Hub) onClose(id ClientID) {
	client, ok := h.clients[id]
	if !ok {
		return
	}

	for _, topic := range h.subscriptions.topicsOf(id) {
		if h.subscriptions.removeAll(topic, id) {
			h.notifyListeners(client, topic, false)
		}
	}

	h.notifications.removeClient(id)

	for _, topic := range h.publishers.removeClient(id) {
		h.emitStaleTopic(client, topic)
	}

	delete(h.clients, id)
	h.clientCount.Add(-1)
	h.logger.Debug("client disconnected", zap.String("client_id", string(id)))
}

func (h *Hub) emitStaleTopic(publisher *clientRecord, topic string) {
	out := wire.ForwardedMulticastDataMessage(publisher.host, publisher.user, topic, "application/octet-stream", nil)
	for subID := range h.subscriptions.subscribers(topic) {
		sub, ok := h.clients[subID]
		if !ok {
			continue
		}
		if h.send(sub, out) && h.metrics != nil {
			h.metrics.StaleTopicsNotified.Inc()
		}
	}
}

// ClientCount returns the number of currently tracked connections. Safe to
// call from outside the hub goroutine (e.g. the health endpoint); backed by
// an atomic counter rather than the routing maps themselves.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}
