// Package httpserver provides the HTTP API of the agent custody service.
//
// The server exposes three surfaces:
//
//   - a public surface: health, the SIWE login and registration endpoints
//     that produce credentials, the attestation quote endpoints, and the
//     /info passthrough to the upstream exchange;
//   - a protected surface gated on the X-API-Key header: agent lookup and
//     the /exchange signing proxy;
//   - lifecycle endpoints (livez/readyz/drain/undrain) and a Prometheus
//     metrics sidecar on a separate listen address.
//
// Upstream responses are relayed verbatim. Only transport-level failures
// (unreachable upstream, timeout) are translated into gateway errors, so
// callers can distinguish "the exchange rejected this" from "the exchange
// was never reached".
package httpserver
