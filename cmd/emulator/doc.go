// Package main (cmd/emulator) runs a whole deployment in one process: the
// shared bus, peripheral component runtimes, application processor and
// broadcast decoder, assembled from a YAML fixture and keyed from the
// deployment master key.
//
// The emulation exposes the two surfaces of a physical device: the decoder
// host protocol (TCP, or stdin/stdout with --stdio for driving it from
// pipelines) and the operator console (TCP, line oriented). With no
// deployment file it runs a bundled fixture with known gate secrets, and
// --write-fixture dumps that fixture as a starting point for custom
// deployments.
package main
