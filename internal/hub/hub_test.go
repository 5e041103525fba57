package hub

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/metrics"
	"github.com/squawkbus/squawkbus/internal/wire"
)

// testHub wires a Hub with its own background Run loop and gives tests a
// handle to connect virtual clients and drain their outboxes.
type testHub struct {
	t      *testing.T
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc
	store  *authz.Store
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	// The hub rejects a subscription whose subscriber entitlement set is
	// empty, so the default policy gives every user one subscriber
	// entitlement on every topic. There is no publisher rule, so packets
	// are forwarded unfiltered. Tests that need specific entitlements
	// replace this policy with reset.
	store := authz.NewStore(authz.NewPolicy([]authz.Rule{
		{User: "*", TopicPattern: "*", Role: authz.Subscriber, Entitlements: []int32{0}},
	}))
	logger := zap.NewNop()
	h := New(Config{InboxSize: 32, OutboxSize: 32}, store, logger, metrics.NewRegistry())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return &testHub{t: t, hub: h, ctx: ctx, cancel: cancel, store: store}
}

type virtualClient struct {
	id   ClientID
	host string
	user string
	out  chan OutboundMessage
}

func (th *testHub) connect(id ClientID, host, user string) *virtualClient {
	th.t.Helper()
	vc := &virtualClient{id: id, host: host, user: user, out: make(chan OutboundMessage, th.hub.OutboxCapacity())}
	th.submit(OnConnect(id, host, user, vc.out))
	return vc
}

func (th *testHub) send(id ClientID, msg wire.Message) {
	th.t.Helper()
	th.submit(OnMessage(id, msg))
}

func (th *testHub) close(id ClientID) {
	th.t.Helper()
	th.submit(OnClose(id))
}

func (th *testHub) reset(policy *authz.Policy) {
	th.t.Helper()
	th.submit(OnReset(policy))
}

func (th *testHub) submit(ev ClientEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := th.hub.Submit(ctx, ev); err != nil {
		th.t.Fatalf("submit: %v", err)
	}
}

// sync blocks until every event submitted so far has been processed by the
// hub loop, for tests that inspect index internals rather than outboxes.
func (th *testHub) sync() {
	th.t.Helper()
	done := make(chan struct{})
	th.submit(barrierEvent(done))
	select {
	case <-done:
	case <-time.After(time.Second):
		th.t.Fatal("timed out waiting for hub to drain")
	}
}

func expectMessage(t *testing.T, out chan OutboundMessage) wire.Message {
	t.Helper()
	select {
	case m := <-out:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return wire.Message{}
	}
}

func expectNoMessage(t *testing.T, out chan OutboundMessage) {
	t.Helper()
	select {
	case m := <-out:
		t.Fatalf("expected no message, got %#v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func packet(data string, ents ...int32) wire.DataPacket {
	return wire.DataPacket{Entitlements: ents, Data: []byte(data)}
}

// Scenario 1: basic multicast.
func TestScenarioBasicMulticast(t *testing.T) {
	th := newTestHub(t)
	a := th.connect("a", "hostA", "userA")
	b := th.connect("b", "hostB", "userB")
	c := th.connect("c", "hostC", "userC")

	th.send(a.id, wire.SubscriptionRequestMessage("VOD LSE", true))
	th.send(b.id, wire.MulticastDataMessage("VOD LSE", "text/plain", []wire.DataPacket{packet("hi")}))

	got := expectMessage(t, a.out)
	want := wire.ForwardedMulticastDataMessage("hostB", "userB", "VOD LSE", "text/plain", []wire.DataPacket{packet("hi")})
	assertMessageEqual(t, got, want)

	expectNoMessage(t, c.out)
}

// Scenario 2: unicast.
func TestScenarioUnicast(t *testing.T) {
	th := newTestHub(t)
	a := th.connect("a1", "hostA", "userA")
	b := th.connect("b1", "hostB", "userB")

	th.send(b.id, wire.UnicastDataMessage("a1", "chat", "text/plain", []wire.DataPacket{packet("ping")}))

	got := expectMessage(t, a.out)
	want := wire.ForwardedUnicastDataMessage("hostB", "userB", "b1", "chat", "text/plain", []wire.DataPacket{packet("ping")})
	assertMessageEqual(t, got, want)
}

// Scenario 3: notification back-fill with refcount transitions.
func TestScenarioNotificationBackfill(t *testing.T) {
	th := newTestHub(t)
	a := th.connect("a", "hostA", "userA")
	b := th.connect("b", "hostB", "userB")

	th.send(a.id, wire.SubscriptionRequestMessage("market.LSE.VOD", true))
	th.send(b.id, wire.NotificationRequestMessage(`market\.LSE\..*`, true))

	got := expectMessage(t, b.out)
	want := wire.ForwardedSubscriptionRequestMessage("hostA", "userA", "a", "market.LSE.VOD", true)
	assertMessageEqual(t, got, want)

	// Second identical subscription: 1->2, no transition, no notification.
	th.send(a.id, wire.SubscriptionRequestMessage("market.LSE.VOD", true))
	expectNoMessage(t, b.out)

	// First remove: 2->1, no transition.
	th.send(a.id, wire.SubscriptionRequestMessage("market.LSE.VOD", false))
	expectNoMessage(t, b.out)

	// Second remove: 1->0, transition, notify isAdd=false.
	th.send(a.id, wire.SubscriptionRequestMessage("market.LSE.VOD", false))
	got = expectMessage(t, b.out)
	want = wire.ForwardedSubscriptionRequestMessage("hostA", "userA", "a", "market.LSE.VOD", false)
	assertMessageEqual(t, got, want)
}

// Scenario 4: entitlement intersection.
func TestScenarioEntitlementIntersection(t *testing.T) {
	th := newTestHub(t)
	policy := authz.NewPolicy([]authz.Rule{
		{User: "U1", TopicPattern: "t", Role: authz.Publisher, Entitlements: []int32{1, 2}},
		{User: "U2", TopicPattern: "t", Role: authz.Subscriber, Entitlements: []int32{2, 3}},
	})
	th.reset(policy)

	u1 := th.connect("p1", "hostP", "U1")
	u2 := th.connect("s1", "hostS", "U2")

	th.send(u2.id, wire.SubscriptionRequestMessage("t", true))
	th.send(u1.id, wire.MulticastDataMessage("t", "text/plain", []wire.DataPacket{
		packet("a", 1),
		packet("b", 2),
		packet("c", 3),
	}))

	got := expectMessage(t, u2.out)
	want := wire.ForwardedMulticastDataMessage("hostP", "U1", "t", "text/plain", []wire.DataPacket{packet("b", 2)})
	assertMessageEqual(t, got, want)
}

// Scenario 5: stale-topic notification on publisher disconnect.
func TestScenarioStaleTopicOnPublisherClose(t *testing.T) {
	th := newTestHub(t)
	p := th.connect("p", "hostP", "userP")
	s := th.connect("s", "hostS", "userS")

	th.send(s.id, wire.SubscriptionRequestMessage("t", true))
	th.send(p.id, wire.MulticastDataMessage("t", "text/plain", []wire.DataPacket{packet("x")}))
	expectMessage(t, s.out) // drain the live multicast first

	th.close(p.id)

	got := expectMessage(t, s.out)
	want := wire.ForwardedMulticastDataMessage("hostP", "userP", "t", "application/octet-stream", nil)
	assertMessageEqual(t, got, want)
	expectNoMessage(t, s.out)
}

// Scenario 6: reload changes entitlement outcome without retroactive effect.
func TestScenarioReloadAffectsFutureDeliveryOnly(t *testing.T) {
	th := newTestHub(t)
	initial := authz.NewPolicy([]authz.Rule{
		{User: "U1", TopicPattern: "t", Role: authz.Publisher, Entitlements: []int32{1}},
		{User: "U2", TopicPattern: "t", Role: authz.Subscriber, Entitlements: []int32{1}},
	})
	th.reset(initial)

	u1 := th.connect("p1", "hostP", "U1")
	u2 := th.connect("s1", "hostS", "U2")
	th.send(u2.id, wire.SubscriptionRequestMessage("t", true))

	th.send(u1.id, wire.MulticastDataMessage("t", "ct", []wire.DataPacket{packet("x", 1)}))
	expectMessage(t, u2.out)

	// Reload removes U2's subscriber entitlement on t.
	th.reset(authz.NewPolicy([]authz.Rule{
		{User: "U1", TopicPattern: "t", Role: authz.Publisher, Entitlements: []int32{1}},
	}))

	th.send(u1.id, wire.MulticastDataMessage("t", "ct", []wire.DataPacket{packet("y", 1)}))
	expectNoMessage(t, u2.out)
}

func TestIdempotentRemoveWithoutPriorSubscribe(t *testing.T) {
	th := newTestHub(t)
	a := th.connect("a", "h", "u")
	th.send(a.id, wire.SubscriptionRequestMessage("never-subscribed", false))
	th.send(a.id, wire.SubscriptionRequestMessage("never-subscribed", false))
	th.sync()
	// No crash, no effect: nothing to observe beyond the hub staying alive.
	if got := th.hub.subscriptions.subscribers("never-subscribed"); got != nil {
		t.Fatalf("expected no subscriber entry, got %v", got)
	}
}

func TestInvalidRegexRejectedSilently(t *testing.T) {
	th := newTestHub(t)
	l := th.connect("l", "h", "u")
	th.send(l.id, wire.NotificationRequestMessage("(unclosed", true))
	expectNoMessage(t, l.out)
	th.sync()
	if _, ok := th.hub.notifications.byPattern["(unclosed"]; ok {
		t.Fatal("invalid pattern should not be registered")
	}
}

func assertMessageEqual(t *testing.T, got, want wire.Message) {
	t.Helper()
	gotBytes, err := wire.Encode(got)
	if err != nil {
		t.Fatal(err)
	}
	wantBytes, err := wire.Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotBytes) != string(wantBytes) {
		t.Fatalf("message mismatch:\n got  %#v\n want %#v", got, want)
	}
}
