/*
Package api is the HTTP and WebSocket surface of the coordinator.

Routes live under /api; health probes and Prometheus metrics sit at the
root, outside the API middleware chain. Every /api request passes
through, in order: instrumentation, syntactic parameter validation, and
per-client rate limiting. Mutating routes additionally require a bearer
token, either an endpoint JWT (which must match the endpoint_id in the
path) or a static admin token.

Errors leave the server in one envelope:

	{"error": {"code", "message", "details", "request_id", "timestamp"}}

where code is the errdefs kind. Persistence and internal causes are
redacted to "internal server error" and logged server-side instead.

The per-endpoint event channel at /api/sync/{endpoint_id}/status is a
WebSocket. It is registered outside the request timeout group and
authenticates via the Authorization header or a token query parameter.
*/
package api
