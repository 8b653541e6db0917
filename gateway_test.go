package meshrpc

import (
	"context"
	"testing"
	"time"
)

// gatewayHarness wires a fake service directory, a Gateway under test, and
// a helper to connect fake clients to it, all over real loopback TCP —
// the same style used elsewhere in this package for socket-level tests.
type gatewayHarness struct {
	t         *testing.T
	gw        *Gateway
	directory *TransportServer
	dirSocket MessageSocket
	dirCalls  chan Message
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()

	directory, err := Listen(MustParseURL("tcp://127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen (directory): %v", err)
	}

	h := &gatewayHarness{t: t, directory: directory, dirCalls: make(chan Message, 16)}
	accepted := make(chan MessageSocket, 1)
	directory.NewConnection.Connect(func(s MessageSocket) {
		accepted <- s
		s.MessageReady().Connect(func(m Message) { h.dirCalls <- m })
	})

	gw := NewGateway(WithGatewayDialTimeout(time.Second))
	if err := gw.Listen(directory.URL(), MustParseURL("tcp://127.0.0.1:0")); err != nil {
		t.Fatalf("gw.Listen: %v", err)
	}
	h.gw = gw

	select {
	case h.dirSocket = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("gateway never connected to the directory")
	}

	t.Cleanup(func() {
		gw.Close()
		directory.Close()
	})

	return h
}

func (h *gatewayHarness) connectClient() MessageSocket {
	h.t.Helper()
	c := newTCPMessageSocket()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Connect(ctx, h.gw.endpointsSnapshot()[0]).Get(); err != nil {
		h.t.Fatalf("client connect: %v", err)
	}
	return c
}

func (h *gatewayHarness) awaitDirectoryCall() Message {
	h.t.Helper()
	select {
	case m := <-h.dirCalls:
		return m
	case <-time.After(time.Second):
		h.t.Fatal("directory never received a call")
		return Message{}
	}
}

// startFakeBackend runs a TransportServer that answers every message it
// receives with the message reply builds from it, and returns its bound Url.
func startFakeBackend(t *testing.T, reply func(m Message) Message) Url {
	t.Helper()
	server, err := Listen(MustParseURL("tcp://127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen (backend): %v", err)
	}
	server.NewConnection.Connect(func(s MessageSocket) {
		s.MessageReady().Connect(func(m Message) {
			_ = s.Send(reply(m))
		})
	})
	t.Cleanup(func() { server.Close() })
	return server.URL()
}

func awaitMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return Message{}
	}
}

// TestGateway_C2ThenS2_ResolvesAndForwards drives the full C.2 -> S.1/S.2
// path: a client calls an unresolved service, the gateway looks it up via
// the directory, the directory's reply (with the backend's own endpoint)
// drives a backend connection, the queued call is drained through to the
// backend, and the backend's reply reaches the client under its original id.
func TestGateway_C2ThenS2_ResolvesAndForwards(t *testing.T) {
	h := newGatewayHarness(t)

	backendReplies := make(chan Message, 4)
	backendURL := startFakeBackend(t, func(m Message) Message {
		return BuildReplyFrom(m, []byte("pong"))
	})

	client := h.connectClient()
	clientReplies := make(chan Message, 4)
	client.MessageReady().Connect(func(m Message) { clientReplies <- m })

	const targetService = uint32(500)
	call := NewCall(1, targetService, PathMain, 42, []byte("hi"))
	if err := client.Send(call); err != nil {
		t.Fatalf("client send: %v", err)
	}

	lookup := h.awaitDirectoryCall()
	if lookup.Service != ServiceServiceDirectory || lookup.Function != ServiceDirectoryFunctionService {
		t.Fatalf("expected a service-directory lookup, got %+v", lookup)
	}

	info := ServiceInfo{Name: "svc", ServiceID: targetService, MachineID: localMachineID(), Endpoints: []Url{backendURL}}
	if err := h.dirSocket.Send(BuildReplyFrom(lookup, EncodeServiceInfo(info))); err != nil {
		t.Fatalf("directory reply send: %v", err)
	}

	reply := awaitMessage(t, clientReplies)
	if string(reply.Payload) != "pong" {
		t.Fatalf("expected pong reply, got %+v", reply)
	}
	if reply.ID != call.ID {
		t.Fatalf("expected reply id to be restored to %d, got %d", call.ID, reply.ID)
	}
	_ = backendReplies
}

// TestGateway_C1_ForwardsImmediatelyWhenServiceKnown covers the C.1
// transition by resolving a service once, then sending a second call for
// the same service and confirming no second directory lookup happens.
func TestGateway_C1_ForwardsImmediatelyWhenServiceKnown(t *testing.T) {
	h := newGatewayHarness(t)

	backendMessages := make(chan Message, 8)
	backendURL := startFakeBackend(t, func(m Message) Message {
		backendMessages <- m
		return BuildReplyFrom(m, []byte("ok"))
	})

	client := h.connectClient()
	clientReplies := make(chan Message, 8)
	client.MessageReady().Connect(func(m Message) { clientReplies <- m })

	const svc = uint32(501)
	if err := client.Send(NewCall(1, svc, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	lookup := h.awaitDirectoryCall()
	info := ServiceInfo{Name: "svc", ServiceID: svc, MachineID: localMachineID(), Endpoints: []Url{backendURL}}
	h.dirSocket.Send(BuildReplyFrom(lookup, EncodeServiceInfo(info)))
	awaitMessage(t, clientReplies)

	if err := client.Send(NewCall(2, svc, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	awaitMessage(t, clientReplies)

	select {
	case m := <-h.dirCalls:
		t.Fatalf("expected no second directory lookup, got %+v", m)
	default:
	}
}

// TestGateway_S1_RewritesDirectoryReplyEndpoints checks that a client's own
// direct directory query gets its endpoints rewritten to the gateway's own
// listen address rather than a backend's.
func TestGateway_S1_RewritesDirectoryReplyEndpoints(t *testing.T) {
	h := newGatewayHarness(t)

	client := h.connectClient()
	clientReplies := make(chan Message, 4)
	client.MessageReady().Connect(func(m Message) { clientReplies <- m })

	query := NewCall(9, ServiceServiceDirectory, PathMain, ServiceDirectoryFunctionService, appendUint32(nil, 777))
	if err := client.Send(query); err != nil {
		t.Fatalf("send: %v", err)
	}

	fwd := h.awaitDirectoryCall()
	backendInfo := ServiceInfo{
		Name:      "svc",
		ServiceID: 777,
		MachineID: "remote-machine",
		Endpoints: []Url{MustParseURL("tcp://10.0.0.99:12345")},
	}
	h.dirSocket.Send(BuildReplyFrom(fwd, EncodeServiceInfo(backendInfo)))

	reply := awaitMessage(t, clientReplies)
	got, err := DecodeServiceInfo(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeServiceInfo: %v", err)
	}
	gwURL := h.gw.endpointsSnapshot()[0]
	if len(got.Endpoints) != 1 || !got.Endpoints[0].Equal(gwURL) {
		t.Fatalf("expected rewritten endpoint %v, got %v", gwURL, got.Endpoints)
	}
}

// TestGateway_BackendDisconnect_FailsOutstandingCalls verifies the
// documented backend-disconnect policy: two calls to the same service that
// the backend never answered both get synthesized Error replies when the
// backend drops.
func TestGateway_BackendDisconnect_FailsOutstandingCalls(t *testing.T) {
	h := newGatewayHarness(t)

	var backendSocket MessageSocket
	backendAccepted := make(chan MessageSocket, 1)
	backendServer, err := Listen(MustParseURL("tcp://127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen (backend): %v", err)
	}
	t.Cleanup(func() { backendServer.Close() })
	backendServer.NewConnection.Connect(func(s MessageSocket) { backendAccepted <- s })

	client := h.connectClient()
	clientReplies := make(chan Message, 8)
	client.MessageReady().Connect(func(m Message) { clientReplies <- m })

	const svc = uint32(600)
	if err := client.Send(NewCall(1, svc, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	lookup := h.awaitDirectoryCall()
	info := ServiceInfo{Name: "svc", ServiceID: svc, MachineID: localMachineID(), Endpoints: []Url{backendServer.URL()}}
	h.dirSocket.Send(BuildReplyFrom(lookup, EncodeServiceInfo(info)))

	select {
	case backendSocket = <-backendAccepted:
	case <-time.After(time.Second):
		t.Fatal("gateway never connected to the backend")
	}

	// A second call for the same service while the backend never replies to
	// the first. The service is known (or about to be), so this call is
	// forwarded rather than held behind a directory lookup; a message queued
	// behind an unresolved lookup is not exercised here.
	if err := client.Send(NewCall(2, svc, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}

	backendSocket.Disconnect()

	first := awaitMessage(t, clientReplies)
	second := awaitMessage(t, clientReplies)
	for _, r := range []Message{first, second} {
		if r.Type != MessageError {
			t.Fatalf("expected a synthesized Error reply, got %+v", r)
		}
	}
}

// TestGateway_DeadClient_RepliesAreDroppedNotErrored verifies the dead
// client policy: a reply that arrives after the client disconnected is
// dropped silently rather than causing an error or a panic.
func TestGateway_DeadClient_RepliesAreDroppedNotErrored(t *testing.T) {
	h := newGatewayHarness(t)

	backendMessages := make(chan Message, 4)
	var backendSocket MessageSocket
	backendAccepted := make(chan MessageSocket, 1)
	backendServer, err := Listen(MustParseURL("tcp://127.0.0.1:0"))
	if err != nil {
		t.Fatalf("Listen (backend): %v", err)
	}
	t.Cleanup(func() { backendServer.Close() })
	backendServer.NewConnection.Connect(func(s MessageSocket) {
		backendAccepted <- s
		s.MessageReady().Connect(func(m Message) { backendMessages <- m })
	})

	client := h.connectClient()

	const svc = uint32(700)
	if err := client.Send(NewCall(1, svc, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	lookup := h.awaitDirectoryCall()
	info := ServiceInfo{Name: "svc", ServiceID: svc, MachineID: localMachineID(), Endpoints: []Url{backendServer.URL()}}
	h.dirSocket.Send(BuildReplyFrom(lookup, EncodeServiceInfo(info)))

	select {
	case backendSocket = <-backendAccepted:
	case <-time.After(time.Second):
		t.Fatal("gateway never connected to the backend")
	}
	forwarded := awaitMessage(t, backendMessages)

	client.Disconnect()
	time.Sleep(50 * time.Millisecond)

	if err := backendSocket.Send(BuildReplyFrom(forwarded, []byte("too late"))); err != nil {
		t.Fatalf("backend send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if h.gw.metrics.RoutingMisses.Load() != 0 {
		t.Fatal("expected a dead-client reply to be dropped, not counted as a routing miss")
	}
}

func TestGateway_OldestQueuedAge(t *testing.T) {
	h := newGatewayHarness(t)

	if age := h.gw.oldestQueuedAge(); age != 0 {
		t.Fatalf("expected 0 with nothing queued, got %d", age)
	}

	client := h.connectClient()
	if err := client.Send(NewCall(1, 900, PathMain, 1, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.awaitDirectoryCall()

	time.Sleep(600 * time.Millisecond) // let coarseNow tick past the enqueue
	if age := h.gw.oldestQueuedAge(); age < 0 {
		t.Fatalf("expected a non-negative age, got %d", age)
	}
}
