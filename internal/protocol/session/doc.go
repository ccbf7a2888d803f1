// Package session owns the registry handshake contract shared by every
// process.
//
// Ownership boundary:
// - register.new.channel payload (process id + public catalog)
// - private identifier rule ("_" prefix never crosses a channel)
// - request/handshake/connect timeout defaults
// - dial retry backoff
// - channel transport tls settings
package session
