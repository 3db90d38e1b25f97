// Package dev implements the development server: an HTTP listener
// carrying the sync endpoint, static files, health, and metrics, plus
// a polling file watcher that turns filesystem changes into reload and
// update notifications on the shared connection.
package dev
