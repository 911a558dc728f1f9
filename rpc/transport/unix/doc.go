// Package unix provides the framed transport of package base over Unix domain sockets,
// for clients on the same machine as the server. Listen removes a stale socket file first.
package unix
