// Package server accepts connections and multiplexes the two message
// families that share each socket: state:* messages are routed to the
// state store, and file-watch notifications (update, reload, error) are
// fanned out to every open connection on behalf of the dev tooling.
//
// One goroutine per connection reads frames; a malformed payload is
// dropped without closing the connection, so protocol noise never tears
// down the shared transport. When a connection closes, for any reason,
// it is removed from every state entry's subscriber set.
package server
