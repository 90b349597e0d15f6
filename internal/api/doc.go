// Package api hosts the HTTP handlers that front the transport service.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating state ownership to the transport store,
// observer fan-out to the hub, and catalog reads to the configured catalog
// driver. Dependencies are injected at construction time; the package does
// not reach for globals or singletons and expects callers to supply fully
// configured collaborators.
//
// Handler implementations assume upstream middleware from internal/server
// has already enforced rate limiting, control-token auth, metrics, auditing,
// and logging concerns. New routes should preserve that contract by avoiding
// duplicate validation and by leaning on the middleware guarantees
// established in the server stack.
package api
