// Package common provides the types shared by the RPC client, server and transports.
//
// Key Components:
//
//   - Message: the single wire structure for requests and responses. Open carries logon
//     parameters and returns a session, Call carries a function name and JSON encoded
//     parameters, errors travel as structured *rfc.Error values so their kind survives
//     the round trip.
//
//   - ServerConfig and ClientConfig: configuration of the endpoint server and of client
//     connections, both with a String method for startup logging.
//
//   - Destinations: named connection targets read from a YAML file.
//
//   - Logger: a dragonboat logger.ILogger implementation and InitLoggers, which sets the
//     level of every package logger.
package common
