package meshrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// pendingReply records what a forwarded message's reply needs to be
// translated back into: the client it came from and the id that client
// used, before the gateway rewrote it into the backend's id space.
type pendingReply struct {
	originalID uint32
	client     MessageSocket
}

// pendingClientMessage is a client message queued because its target
// service isn't resolved/connected yet. queuedAt is a coarseNow snapshot,
// used to report how long the oldest queued message has been waiting.
type pendingClientMessage struct {
	msg      Message
	client   MessageSocket
	queuedAt int64
}

// Gateway is a stateful message-forwarding router: clients connect to it
// once, and it lazily opens and multiplexes connections to whatever
// backend services those clients address, rewriting message ids so each
// backend's id space never collides with another's or with the gateway's
// own.
//
// Locking: mu guards every map below. It is always released before any
// socket Send/Connect/Disconnect call and before delivering to a client
// or backend, for the same reason TransportSocketCache releases its own
// mutex before socket I/O — a Disconnect emits Disconnected synchronously,
// and the gateway's own Disconnected handlers take mu, so a held lock
// would be re-entered.
type Gateway struct {
	mu     sync.Mutex
	closed bool

	cfg     gatewayConfig
	cache   *TransportSocketCache
	metrics *GatewayMetrics

	server          *TransportServer
	directorySocket MessageSocket
	endpoints       []Url

	nextID atomic.Uint32

	// services maps a known service id to the backend socket that serves
	// it. Multiple service ids may map to the same socket, since the
	// underlying TransportSocketCache coalesces dials that land on the
	// same (machineID, url).
	services map[uint32]MessageSocket

	// serviceToClient maps a backend socket to the forwarded-id -> reply
	// route for every in-flight request the gateway sent it.
	serviceToClient map[MessageSocket]map[uint32]pendingReply

	// pendingByService queues client messages for a service id that has
	// not finished resolving (directory lookup) or connecting yet.
	pendingByService map[uint32][]pendingClientMessage

	// pendingLookups maps a gateway-originated directory request id to
	// the service id it is resolving. A reply whose id appears here is
	// the gateway's own lookup, not a client's forwarded request.
	pendingLookups map[uint32]uint32

	// resolving marks service ids with a directory lookup already in
	// flight, so concurrent C.2 arrivals for the same unresolved service
	// don't issue duplicate lookups.
	resolving map[uint32]bool

	// backendHooked marks backend sockets whose MessageReady and
	// Disconnected signals the gateway has already subscribed to, so
	// attaching the same socket for a second service id doesn't
	// double-subscribe.
	backendHooked map[MessageSocket]bool

	clients map[MessageSocket]bool
}

// NewGateway constructs a Gateway. Call Listen to start accepting clients
// and connect to the service directory.
func NewGateway(opts ...GatewayOption) *Gateway {
	cfg := defaultGatewayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Gateway{
		cfg:              cfg,
		cache:            NewTransportSocketCache(append([]CacheOption{WithDialTimeout(cfg.dialTimeout)}, cfg.cacheOpts...)...),
		metrics:          newGatewayMetrics(),
		services:         make(map[uint32]MessageSocket),
		serviceToClient:  make(map[MessageSocket]map[uint32]pendingReply),
		pendingByService: make(map[uint32][]pendingClientMessage),
		pendingLookups:   make(map[uint32]uint32),
		resolving:        make(map[uint32]bool),
		backendHooked:    make(map[MessageSocket]bool),
		clients:          make(map[MessageSocket]bool),
	}
}

// Listen connects to the service directory at directoryURL, binds
// listenURL for inbound client connections, and starts routing. The
// service directory is registered as an ordinary backend under
// ServiceServiceDirectory, so a client's own directory queries are routed
// exactly like any other service call — only their replies get the
// endpoint-rewrite treatment (see rewriteDirectoryReply).
func (g *Gateway) Listen(directoryURL, listenURL Url) error {
	directorySocket := newTCPMessageSocket()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.dialTimeout)
	defer cancel()
	if _, err := directorySocket.Connect(ctx, directoryURL).Get(); err != nil {
		return fmt.Errorf("meshrpc: connect to service directory at %s: %w", directoryURL, err)
	}

	server, err := Listen(listenURL)
	if err != nil {
		directorySocket.Disconnect()
		return fmt.Errorf("meshrpc: listen on %s: %w", listenURL, err)
	}

	g.mu.Lock()
	g.server = server
	g.directorySocket = directorySocket
	g.endpoints = []Url{server.URL()}
	g.services[ServiceServiceDirectory] = directorySocket
	g.backendHooked[directorySocket] = true
	g.mu.Unlock()

	directorySocket.MessageReady().Connect(func(m Message) {
		g.handleServiceRead(directorySocket, m)
	})
	directorySocket.Disconnected().Connect(func(struct{}) {
		g.onBackendDisconnected(directorySocket)
	})

	server.NewConnection.Connect(g.registerClient)

	slog.Info("meshrpc: gateway listening", "addr", server.URL(), "directory", directoryURL)
	return nil
}

// Close disconnects every client and backend and stops accepting
// connections. Idempotent.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	server := g.server
	directorySocket := g.directorySocket
	clients := make([]MessageSocket, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	if server != nil {
		server.Close()
	}
	g.cache.Close()
	if directorySocket != nil {
		directorySocket.Disconnect()
	}
	for _, c := range clients {
		c.Disconnect()
	}
}

func (g *Gateway) Metrics() *GatewayMetrics { return g.metrics }

func (g *Gateway) allocID() uint32 {
	return g.nextID.Add(1)
}

func (g *Gateway) registerClient(client MessageSocket) {
	g.mu.Lock()
	g.clients[client] = true
	g.mu.Unlock()

	client.MessageReady().Connect(func(m Message) {
		g.handleClientRead(client, m)
	})
	client.Disconnected().Connect(func(struct{}) {
		g.onClientDisconnected(client)
	})
}

// handleClientRead implements transitions C.1 and C.2: forward
// immediately if the target service is already connected (C.1), or queue
// the message and kick off a directory lookup if it isn't (C.2).
func (g *Gateway) handleClientRead(client MessageSocket, msg Message) {
	g.metrics.ClientMessagesIn.Add(1)

	g.mu.Lock()
	backend, known := g.services[msg.Service]
	g.mu.Unlock()

	if known {
		g.forwardToBackend(backend, msg, client)
		return
	}

	g.mu.Lock()
	g.pendingByService[msg.Service] = append(g.pendingByService[msg.Service], pendingClientMessage{msg: msg, client: client, queuedAt: coarseNow.Load()})
	alreadyResolving := g.resolving[msg.Service]
	g.resolving[msg.Service] = true
	g.mu.Unlock()
	g.metrics.Queued.Add(1)

	if !alreadyResolving {
		g.resolveService(msg.Service)
	}
}

// forwardToBackend is the shared tail of C.1 and of draining a
// newly-resolved service's pending queue: allocate a fresh id in the
// gateway's own space, remember how to map the eventual reply back to
// client/msg.ID, and send.
func (g *Gateway) forwardToBackend(backend MessageSocket, msg Message, client MessageSocket) {
	newID := g.allocID()
	fwd := BuildForwardFrom(msg, newID)

	g.mu.Lock()
	m := g.serviceToClient[backend]
	if m == nil {
		m = make(map[uint32]pendingReply)
		g.serviceToClient[backend] = m
	}
	m[newID] = pendingReply{originalID: msg.ID, client: client}
	g.mu.Unlock()

	if err := backend.Send(fwd); err != nil {
		g.mu.Lock()
		delete(g.serviceToClient[backend], newID)
		g.mu.Unlock()
		slog.Warn("meshrpc: forward to backend failed", "service", msg.Service, "error", err)
		g.failClient(client, msg, "backend send failed")
		return
	}
	g.metrics.Forwarded.Add(1)
}

// resolveService issues a gateway-originated directory lookup for
// serviceID. The reply is recognized in handleServiceRead via
// pendingLookups and handled by completeResolution, not through the
// ordinary serviceToClient reply path.
func (g *Gateway) resolveService(serviceID uint32) {
	reqID := g.allocID()

	g.mu.Lock()
	g.pendingLookups[reqID] = serviceID
	directorySocket := g.directorySocket
	g.mu.Unlock()

	call := NewCall(reqID, ServiceServiceDirectory, PathMain, ServiceDirectoryFunctionService, appendUint32(nil, serviceID))
	if err := directorySocket.Send(call); err != nil {
		g.mu.Lock()
		delete(g.pendingLookups, reqID)
		g.mu.Unlock()
		slog.Warn("meshrpc: service directory lookup failed to send", "service", serviceID, "error", err)
		g.failResolution(serviceID, "service directory unreachable")
	}
}

// handleServiceRead implements transitions S.1, S.2 and S.3 for Reply and
// Error messages from any backend, the directory included. A reply whose
// id matches a gateway-originated lookup is decoded as it arrived, with
// the backend endpoints the directory named, and drives a new backend
// connection and queue drain (S.1/S.2). Any other reply is routed back to
// whichever client is waiting for it (S.3); a directory Service/Services
// reply is first rewritten to carry the gateway's own endpoints instead
// of the backend addresses it named.
func (g *Gateway) handleServiceRead(socket MessageSocket, msg Message) {
	g.metrics.ServiceMessagesIn.Add(1)

	if msg.Type != MessageReply && msg.Type != MessageError {
		slog.Warn("meshrpc: unexpected message type from backend, dropping", "type", msg.Type, "service", msg.Service)
		return
	}

	g.mu.Lock()
	serviceID, isLookup := g.pendingLookups[msg.ID]
	if isLookup {
		delete(g.pendingLookups, msg.ID)
	}
	g.mu.Unlock()

	if isLookup {
		g.completeResolution(serviceID, msg)
		return
	}

	g.routeReplyToClient(socket, g.rewriteDirectoryReply(msg))
}

// rewriteDirectoryReply rewrites a successful Service/Services reply from
// the directory so the endpoints it carries are the gateway's own
// listening address rather than the backend's. Clients only ever learn
// about the gateway; what the gateway itself dials on their behalf is not
// their concern.
func (g *Gateway) rewriteDirectoryReply(msg Message) Message {
	if msg.Service != ServiceServiceDirectory || msg.Type != MessageReply {
		return msg
	}

	switch msg.Function {
	case ServiceDirectoryFunctionService:
		info, err := DecodeServiceInfo(msg.Payload)
		if err != nil {
			return msg
		}
		info.Endpoints = g.endpointsSnapshot()
		msg.Payload = EncodeServiceInfo(info)
	case ServiceDirectoryFunctionServices:
		infos, err := DecodeServiceInfoList(msg.Payload)
		if err != nil {
			return msg
		}
		endpoints := g.endpointsSnapshot()
		for i := range infos {
			infos[i].Endpoints = endpoints
		}
		msg.Payload = EncodeServiceInfoList(infos)
	}
	return msg
}

func (g *Gateway) completeResolution(serviceID uint32, msg Message) {
	if msg.Type == MessageError {
		g.failResolution(serviceID, "service directory returned an error")
		return
	}

	info, err := DecodeServiceInfo(msg.Payload)
	if err != nil {
		g.failResolution(serviceID, "malformed service info from directory")
		return
	}

	future := g.cache.Socket(info, "tcp")
	go func() {
		backend, err := future.Get()
		if err != nil {
			slog.Warn("meshrpc: failed to connect to resolved backend", "service", serviceID, "machine", info.MachineID, "error", err)
			g.failResolution(serviceID, "backend unreachable")
			return
		}
		g.attachBackend(serviceID, backend)
	}()
}

func (g *Gateway) failResolution(serviceID uint32, reason string) {
	g.mu.Lock()
	pending := g.pendingByService[serviceID]
	delete(g.pendingByService, serviceID)
	delete(g.resolving, serviceID)
	g.mu.Unlock()
	g.failPendingBatch(pending, reason)
}

// attachBackend implements the "drain pending" half of S.2: the service
// id is now connected, so every message queued for it is forwarded in
// arrival order before any new message for it takes the now-immediate
// C.1 path.
func (g *Gateway) attachBackend(serviceID uint32, backend MessageSocket) {
	g.mu.Lock()
	g.services[serviceID] = backend
	delete(g.resolving, serviceID)
	pending := g.pendingByService[serviceID]
	delete(g.pendingByService, serviceID)
	alreadyHooked := g.backendHooked[backend]
	g.backendHooked[backend] = true
	g.mu.Unlock()

	if !alreadyHooked {
		backend.MessageReady().Connect(func(m Message) {
			g.handleServiceRead(backend, m)
		})
		backend.Disconnected().Connect(func(struct{}) {
			g.onBackendDisconnected(backend)
		})
	}

	for _, p := range pending {
		g.forwardToBackend(backend, p.msg, p.client)
	}
}

// routeReplyToClient implements S.3: a reply that isn't a gateway-owned
// directory lookup is translated back to its originating client via
// serviceToClient, or logged and dropped if nothing is waiting for it.
func (g *Gateway) routeReplyToClient(backend MessageSocket, msg Message) {
	g.mu.Lock()
	var pr pendingReply
	var ok bool
	if m := g.serviceToClient[backend]; m != nil {
		pr, ok = m[msg.ID]
		if ok {
			delete(m, msg.ID)
		}
	}
	live := ok && g.clients[pr.client]
	g.mu.Unlock()

	if !ok {
		g.metrics.RoutingMisses.Add(1)
		slog.Warn("meshrpc: reply with no matching forwarded request, dropping", "id", msg.ID)
		return
	}
	if !live {
		// The client disconnected between forwarding and this reply
		// arriving. Dropping here, not erroring, is deliberate: a
		// misbehaving or racing peer should not tear down the backend
		// link or be treated as a routing failure.
		return
	}

	reply := msg
	reply.ID = pr.originalID
	if err := pr.client.Send(reply); err != nil {
		slog.Warn("meshrpc: failed to deliver reply to client", "error", err)
		return
	}
	g.metrics.RepliesRouted.Add(1)
}

// onBackendDisconnected fails every request in flight to backend and
// every request still queued for any service id currently routed to it,
// then removes both from the routing tables so the next client message
// for that service triggers a fresh directory lookup.
func (g *Gateway) onBackendDisconnected(backend MessageSocket) {
	g.mu.Lock()
	var failReplies []pendingReply
	if m, ok := g.serviceToClient[backend]; ok {
		for _, pr := range m {
			failReplies = append(failReplies, pr)
		}
		delete(g.serviceToClient, backend)
	}

	var affected []uint32
	for sid, sock := range g.services {
		if sock == backend {
			affected = append(affected, sid)
		}
	}
	var failPending []pendingClientMessage
	for _, sid := range affected {
		delete(g.services, sid)
		failPending = append(failPending, g.pendingByService[sid]...)
		delete(g.pendingByService, sid)
	}
	delete(g.backendHooked, backend)
	g.mu.Unlock()

	if len(failReplies) == 0 && len(failPending) == 0 {
		return
	}

	var eg errgroup.Group
	for _, pr := range failReplies {
		pr := pr
		eg.Go(func() error {
			errMsg := Message{ID: pr.originalID, Version: protocolVersion, Type: MessageError, Payload: []byte("backend disconnected")}
			if err := pr.client.Send(errMsg); err != nil {
				slog.Warn("meshrpc: failed to deliver backend-disconnect error to client", "error", err)
			}
			return nil
		})
	}
	for _, p := range failPending {
		p := p
		eg.Go(func() error {
			g.failClient(p.client, p.msg, "backend disconnected")
			return nil
		})
	}
	_ = eg.Wait()
	g.metrics.BackendFailovers.Add(int64(len(failReplies) + len(failPending)))
}

// failPendingBatch synthesizes an Error reply for every queued message,
// delivered concurrently rather than in a lock-held loop so one stuck
// client doesn't delay failing the rest.
func (g *Gateway) failPendingBatch(pending []pendingClientMessage, reason string) {
	if len(pending) == 0 {
		return
	}
	var eg errgroup.Group
	for _, p := range pending {
		p := p
		eg.Go(func() error {
			g.failClient(p.client, p.msg, reason)
			return nil
		})
	}
	_ = eg.Wait()
	g.metrics.BackendFailovers.Add(int64(len(pending)))
}

func (g *Gateway) failClient(client MessageSocket, msg Message, reason string) {
	errMsg := BuildErrorFrom(msg, []byte(reason))
	if err := client.Send(errMsg); err != nil {
		slog.Warn("meshrpc: failed to deliver synthesized error reply", "error", err)
	}
}

// onClientDisconnected forgets client. Its serviceToClient entries stay in
// place, now marked dead by the client's absence from g.clients:
// routeReplyToClient consumes such an entry when its reply arrives and
// drops the reply without counting a routing miss.
func (g *Gateway) onClientDisconnected(client MessageSocket) {
	g.mu.Lock()
	delete(g.clients, client)
	g.mu.Unlock()
}

// oldestQueuedAge returns how many seconds the longest-waiting queued
// message has been sitting in pendingByService, or 0 if nothing is queued.
func (g *Gateway) oldestQueuedAge() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var oldest int64
	now := coarseNow.Load()
	for _, pending := range g.pendingByService {
		for _, p := range pending {
			if age := now - p.queuedAt; age > oldest {
				oldest = age
			}
		}
	}
	return oldest
}

func (g *Gateway) endpointsSnapshot() []Url {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Url, len(g.endpoints))
	copy(out, g.endpoints)
	return out
}
