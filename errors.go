package meshrpc

import "errors"

var (
	// ErrCacheClosed is the error of every future Socket returns once Close
	// has been called, and of every attempt still pending when Close runs;
	// matches the original project's "TransportSocketCache is closed."
	// message.
	ErrCacheClosed = errors.New("meshrpc: transport socket cache is closed")

	// ErrNoEndpointReplied is the future's error when every candidate
	// endpoint in a Socket() call failed to connect.
	ErrNoEndpointReplied = errors.New("meshrpc: no endpoint replied")

	// ErrNoEndpoints is returned immediately, without attempting any
	// dial, when no endpoint of a ServiceInfo is left to dial: none is
	// advertised, none matches the requested protocol, or none passes the
	// locality rule (see computeCandidates).
	ErrNoEndpoints = errors.New("meshrpc: service advertises no endpoints")

	// ErrRoutingMiss names the case of a gateway inbound reply whose
	// forwarded id the gateway has no record of. The gateway does not
	// return it: such a reply is counted in GatewayMetrics.RoutingMisses,
	// logged and dropped, and never tears down the socket it arrived on.
	ErrRoutingMiss = errors.New("meshrpc: no route for message")

	// ErrGatewayClosed names the closed-gateway condition. No Gateway
	// method returns it; Close only stops the listener and disconnects
	// sockets.
	ErrGatewayClosed = errors.New("meshrpc: gateway is closed")
)
