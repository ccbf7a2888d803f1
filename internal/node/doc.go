// Package node runs one xprocbus process: it builds the process registry
// from config, registers the built-in sys.* commands, and supervises the
// transport. A hub accepts leaf channels; a leaf dials the hub and redials
// when the channel drops.
package node
