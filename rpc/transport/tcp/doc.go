// Package tcp provides the framed transport of package base over TCP sockets.
// Socket options (no delay, keep alive, linger, buffer sizes) come from the
// transport section of the client and server config.
package tcp
