// Package chat is the client-side session core for Supportline: a message
// store with canonical-id dedup and stable ordering, a paginated history
// loader, a websocket channel adapter, an optimistic send coordinator, and
// the session lifecycle controller that ties them to identity changes.
//
// The package is UI-agnostic. A frontend consumes DisplaySequence and the
// SessionEvents callbacks; everything else is internal reconciliation.
package chat
