package meshrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TransportSocketCache is a concurrent connection multiplexer: given a
// service's advertised endpoint set it races parallel dials, de-duplicates
// in-flight attempts by (machineID, url), reuses established sockets, and
// removes an entry once its socket disconnects. Exactly one
// TransportSocketCache is shared by every caller in a process that wants
// this de-duplication; the Gateway keeps one internally for its backend
// connections.
//
// Locking: _socketMutex-equivalent (mu) is held only while reading or
// mutating the connections map and the fields of a connectionAttempt
// reachable from it. It is always released before any socket I/O
// (Connect, Send, Disconnect) and before fulfilling a promise, since a
// Then callback may run synchronously on the calling goroutine.
type TransportSocketCache struct {
	mu   sync.Mutex
	dying bool

	// connections maps machineID -> url -> the attempt currently
	// responsible for that (machineID, url) pair. The same *connectionAttempt
	// pointer is stored under every url in its relatedUrls, so a lookup by
	// any candidate url finds the shared attempt.
	connections map[string]map[Url]*connectionAttempt

	cfg     cacheConfig
	metrics *CacheMetrics
}

type connState int

const (
	attemptPending connState = iota
	attemptConnected
	attemptError
)

// connectionAttempt is the cache-internal record backing one logical dial:
// either a still-racing set of goroutines (Pending), a socket that won the
// race or was handed in via Insert (Connected), or a dial that exhausted
// every candidate (Error — transient, the entry is removed immediately
// after reaching this state).
type connectionAttempt struct {
	state    connState
	endpoint MessageSocket
	promise  *Promise[MessageSocket]
	future   *Future[MessageSocket]

	// relatedUrls lists every url this attempt is registered under, so
	// the cache can remove all of them together once the attempt resolves
	// or the socket disconnects.
	relatedUrls []Url

	// attemptCount is the number of dial goroutines still racing for this
	// attempt. Decremented by onSocketParallelConnectionAttempt; the
	// attempt only fails once it reaches zero with no winner.
	attemptCount int

	disconnectLink SignalLink
}

// NewTransportSocketCache constructs a ready-to-use cache. There is no
// separate Init step: unlike the project this module is modeled on, Go
// construction and initialization are the same step.
func NewTransportSocketCache(opts ...CacheOption) *TransportSocketCache {
	cfg := defaultCacheConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TransportSocketCache{
		connections: make(map[string]map[Url]*connectionAttempt),
		cfg:         cfg,
		metrics:     newCacheMetrics(),
	}
}

// Socket returns a future for a MessageSocket connected to info, racing a
// dial across every endpoint in the computed candidate set. If a dial (or
// a prior Insert) already owns any of those candidate urls, the existing
// attempt's future is returned instead of starting new dials.
//
// protocol, if non-empty, restricts the candidate set to endpoints
// advertising that protocol (e.g. "tcp"); pass "" to consider all of
// info.Endpoints.
func (c *TransportSocketCache) Socket(info ServiceInfo, protocol string) *Future[MessageSocket] {
	c.mu.Lock()

	if c.dying {
		c.mu.Unlock()
		return failedFuture[MessageSocket](ErrCacheClosed)
	}

	candidates := computeCandidates(info, protocol, c.cfg.machineID, c.cfg.localhostOnly)
	if len(candidates) == 0 {
		c.mu.Unlock()
		return failedFuture[MessageSocket](ErrNoEndpoints)
	}

	byURL := c.connections[info.MachineID]
	if byURL == nil {
		byURL = make(map[Url]*connectionAttempt)
		c.connections[info.MachineID] = byURL
	}

	for _, cand := range candidates {
		existing, ok := byURL[cand]
		if !ok {
			continue
		}
		c.metrics.Coalesced.Add(1)
		if existing.state == attemptConnected && existing.future == nil {
			// Connected via Insert, with no prior waiter: synthesize an
			// already-fulfilled future rather than reusing a nil one.
			sock := existing.endpoint
			c.mu.Unlock()
			return resolvedFuture(sock)
		}
		f := existing.future
		c.mu.Unlock()
		return f
	}

	promise, future := NewPromise[MessageSocket]()
	attempt := &connectionAttempt{
		state:        attemptPending,
		promise:      promise,
		future:       future,
		relatedUrls:  candidates,
		attemptCount: len(candidates),
	}
	for _, cand := range candidates {
		byURL[cand] = attempt
	}
	c.mu.Unlock()

	for _, cand := range candidates {
		cand := cand
		go c.dialCandidate(info.MachineID, cand, attempt)
	}

	return future
}

func (c *TransportSocketCache) dialCandidate(machineID string, url Url, attempt *connectionAttempt) {
	c.metrics.DialsAttempted.Add(1)
	sock := c.newDialSocket(url)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.dialTimeout)
	defer cancel()
	_, err := sock.Connect(ctx, url).Get()
	c.onSocketParallelConnectionAttempt(machineID, url, sock, attempt, err)
}

// onSocketParallelConnectionAttempt handles one candidate dial's result.
// It discards the result outright if the cache is closing, if this
// (machineID, url) pair no longer points at attempt (superseded by Insert
// or already cleared), or if a sibling candidate already won the race —
// in all three cases a successful dial is disconnected immediately since
// nothing will ever use it. Otherwise it decrements attemptCount and
// either waits for remaining siblings, fails the attempt once every
// candidate is exhausted, or fulfills the promise with the winner.
func (c *TransportSocketCache) onSocketParallelConnectionAttempt(machineID string, url Url, sock MessageSocket, attempt *connectionAttempt, dialErr error) {
	c.mu.Lock()

	if c.dying {
		c.mu.Unlock()
		if dialErr == nil {
			sock.Disconnect()
		}
		return
	}

	byURL := c.connections[machineID]
	if current, ok := byURL[url]; !ok || current != attempt {
		c.mu.Unlock()
		if dialErr == nil {
			sock.Disconnect()
		}
		return
	}

	if attempt.state == attemptConnected {
		attempt.attemptCount--
		c.mu.Unlock()
		if dialErr == nil {
			c.metrics.DialRacesLost.Add(1)
			sock.Disconnect()
		}
		return
	}

	attempt.attemptCount--

	if dialErr != nil {
		c.metrics.DialsFailed.Add(1)
		if attempt.attemptCount > 0 {
			c.mu.Unlock()
			return
		}
		attempt.state = attemptError
		c.removeAttemptLocked(machineID, attempt)
		promise := attempt.promise
		c.mu.Unlock()
		promise.SetError(fmt.Errorf("meshrpc: %w: %s", ErrNoEndpointReplied, machineID))
		return
	}

	c.metrics.DialsSucceeded.Add(1)
	c.metrics.DialRacesWon.Add(1)
	attempt.state = attemptConnected
	attempt.endpoint = sock
	attempt.disconnectLink = sock.Disconnected().Connect(func(struct{}) {
		c.onSocketDisconnected(machineID, url)
	})
	promise := attempt.promise
	c.mu.Unlock()

	promise.SetValue(sock)
}

// onSocketDisconnected clears every cache entry pointing at the attempt
// registered for (machineID, url). A fresh Socket call for the same
// service will redial from scratch.
func (c *TransportSocketCache) onSocketDisconnected(machineID string, url Url) {
	c.mu.Lock()
	byURL := c.connections[machineID]
	if byURL == nil {
		c.mu.Unlock()
		return
	}
	attempt, ok := byURL[url]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.metrics.Disconnections.Add(1)
	c.removeAttemptLocked(machineID, attempt)
	c.mu.Unlock()
}

// removeAttemptLocked deletes every relatedUrls entry that still points
// at attempt, and drops the per-machine map if it becomes empty. Callers
// must hold c.mu.
func (c *TransportSocketCache) removeAttemptLocked(machineID string, attempt *connectionAttempt) {
	byURL := c.connections[machineID]
	if byURL == nil {
		return
	}
	for _, u := range attempt.relatedUrls {
		if byURL[u] == attempt {
			delete(byURL, u)
		}
	}
	if len(byURL) == 0 {
		delete(c.connections, machineID)
	}
}

// Insert registers an out-of-band socket — one a TransportServer accepted
// rather than one the cache dialed — under (machineID, url). This lets an
// inbound connection satisfy a Socket() caller racing an outbound dial to
// the same peer, and lets future Socket() calls for that peer reuse it.
//
// Inserting over an existing Pending attempt immediately resolves it with
// sock (the in-flight dial goroutines discover they lost the race on their
// own, via onSocketParallelConnectionAttempt's already-connected check).
// Inserting the same already-connected socket again is a harmless no-op.
// Inserting a different socket over an already-connected entry is a bug
// in the caller — this module asserts rather than silently replacing a
// live connection, since that would orphan whoever is using the old one.
func (c *TransportSocketCache) Insert(machineID string, url Url, sock MessageSocket) {
	c.mu.Lock()

	if c.dying {
		c.mu.Unlock()
		sock.Disconnect()
		return
	}

	byURL := c.connections[machineID]
	if byURL == nil {
		byURL = make(map[Url]*connectionAttempt)
		c.connections[machineID] = byURL
	}

	if existing, ok := byURL[url]; ok {
		if existing.state == attemptConnected {
			if existing.endpoint == sock {
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			panic(fmt.Sprintf("meshrpc: insert over a live connection to %s on machine %s", url, machineID))
		}

		existing.state = attemptConnected
		existing.endpoint = sock
		existing.disconnectLink = sock.Disconnected().Connect(func(struct{}) {
			c.onSocketDisconnected(machineID, url)
		})
		promise := existing.promise
		c.mu.Unlock()
		c.metrics.InsertsAccepted.Add(1)
		if promise != nil {
			promise.SetValue(sock)
		}
		return
	}

	attempt := &connectionAttempt{
		state:       attemptConnected,
		endpoint:    sock,
		relatedUrls: []Url{url},
	}
	attempt.disconnectLink = sock.Disconnected().Connect(func(struct{}) {
		c.onSocketDisconnected(machineID, url)
	})
	byURL[url] = attempt
	c.mu.Unlock()
	c.metrics.InsertsAccepted.Add(1)
}

// Close marks the cache as closing, then concurrently disconnects every
// connected socket and fails every pending promise with ErrCacheClosed.
// Disconnects run through an errgroup so one slow or wedged peer cannot
// delay releasing the rest.
func (c *TransportSocketCache) Close() {
	c.mu.Lock()
	if c.dying {
		c.mu.Unlock()
		return
	}
	c.dying = true

	seen := make(map[*connectionAttempt]bool)
	type closeItem struct {
		state   connState
		sock    MessageSocket
		promise *Promise[MessageSocket]
	}
	var items []closeItem
	for _, byURL := range c.connections {
		for _, a := range byURL {
			if seen[a] {
				continue
			}
			seen[a] = true
			items = append(items, closeItem{state: a.state, sock: a.endpoint, promise: a.promise})
		}
	}
	c.connections = make(map[string]map[Url]*connectionAttempt)
	c.mu.Unlock()

	var g errgroup.Group
	for _, item := range items {
		item := item
		g.Go(func() error {
			switch item.state {
			case attemptConnected:
				if item.sock != nil {
					item.sock.Disconnect()
				}
			case attemptPending:
				if item.promise != nil {
					item.promise.SetError(ErrCacheClosed)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *TransportSocketCache) newDialSocket(url Url) MessageSocket {
	if c.cfg.dial != nil {
		return c.cfg.dial(url)
	}
	return newTCPMessageSocket()
}

// computeCandidates narrows info.Endpoints to protocol matches, then
// applies the same locality rule the original project's dial loop applies
// candidate-by-candidate (transportsocketcache.cpp's
// "if (!local && isLocalHost(url.host())) continue;"): a remote service's
// loopback-looking endpoints are never dialable from here and are dropped
// outright, while a local service prefers its loopback endpoints over its
// routable ones, since dialing through a real network interface to reach
// a service that lives in the same process tree as the caller is both
// slower and, in some sandboxed network namespaces, not possible at all.
// If a local service advertises no loopback endpoint, the full filtered
// set is used unless localhostOnly forbids that fallback.
//
// This cannot distinguish "two different machines that happen to share a
// private subnet and were both assigned the same advertised loopback
// address" from genuine locality; like the dial-racing algorithm this is
// adapted from, it trusts machineID equality as the sole locality signal
// and does not attempt to fingerprint the network path.
func computeCandidates(info ServiceInfo, protocol string, localMachineID string, localhostOnly bool) []Url {
	local := info.MachineID == localMachineID

	var filtered []Url
	for _, ep := range info.Endpoints {
		if protocol != "" && ep.Protocol != protocol {
			continue
		}
		if !local && ep.IsLoopback() {
			// A remote machine's loopback address names its own network
			// stack, not ours; dialing it would either fail or, worse,
			// silently connect to an unrelated local service.
			continue
		}
		filtered = append(filtered, ep)
	}
	if len(filtered) == 0 {
		return nil
	}
	if !local {
		return filtered
	}

	var loopback []Url
	for _, ep := range filtered {
		if ep.IsLoopback() {
			loopback = append(loopback, ep)
		}
	}
	if len(loopback) > 0 {
		return loopback
	}
	if localhostOnly {
		slog.Warn("meshrpc: local service advertises no loopback endpoint and localhost-only dialing is enabled",
			"service", info.Name, "machine", info.MachineID)
		return nil
	}
	return filtered
}

func failedFuture[T any](err error) *Future[T] {
	promise, future := NewPromise[T]()
	promise.SetError(err)
	return future
}

func resolvedFuture[T any](v T) *Future[T] {
	promise, future := NewPromise[T]()
	promise.SetValue(v)
	return future
}
