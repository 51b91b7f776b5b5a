// Package server implements the GoChat relay: a TCP text-chat server that
// fans every newline-terminated message out to all other connected peers.
//
// The implementation is organized into specialized files for configuration,
// the broadcast hub, per-connection clients and their transports, the TCP
// acceptor, and the optional WebSocket gateway that joins browser peers to
// the same hub.
package server
