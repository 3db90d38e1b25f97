// Package state implements the server-side store of named values
// broadcast to subscribers.
//
// Each key maps to one entry holding a JSON value, an optional
// validator, registered change handlers, and the set of subscribed
// connections. A successful set runs change handlers synchronously and
// then fans the new value out to every open subscriber; a validation
// failure leaves the stored value and all subscribers untouched.
package state
