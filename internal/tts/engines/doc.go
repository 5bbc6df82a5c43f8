// Package engines contains the synthesis backend clients.
// RemoteEngine speaks the HTTP protocol of the GPU synthesis server and
// implements the Synthesizer and StatusSource interfaces from ttypes.
package engines
