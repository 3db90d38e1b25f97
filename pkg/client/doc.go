// Package client implements the mirror: a client-side cache of
// server-authoritative keyed values over one shared connection.
//
// Writes apply locally first (optimistic) and are sent as state:change;
// writes made while the transport is down are queued in FIFO order and
// flushed after the next successful connect. Inbound state:init and
// state:update always overwrite the local cache, so a racing optimistic
// value converges to whatever the server last accepted. The same
// connection also carries the file-watch family, surfaced through the
// OnReload, OnFileUpdate, and OnError hooks.
package client
