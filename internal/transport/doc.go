// Package transport turns network connections into registry channels.
//
// TCP carries framed envelopes directly over the socket. gRPC carries the
// same frame bytes inside a bidirectional stream whose service is declared by
// hand with protobuf well-known wrapper types, so no codegen step is needed.
//
// Both transports can run over TLS. With mutual TLS the client certificate
// identity travels with the channel and the registry binds it to the
// process id the peer registers.
package transport
