// Package server exposes the streaming WebSocket endpoint and the HTTP
// monitoring API. Each upgraded connection is handed to the session manager;
// the remaining routes report health, statistics, sessions and configuration.
package server
