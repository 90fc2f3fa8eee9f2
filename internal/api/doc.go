// Package api serves the REST surface: account registration/login and chat
// CRUD. Real-time message flow lives on the WebSocket gateway; this layer
// only reads history.
package api
