// Package http sends every serialized message as the body of POST <endpoint>/<shardId>.
//
// The client picks endpoints round robin and never resends a request, since a failed
// http request may have reached the server. With log level debug the server logs every
// request with its status code and duration.
package http
