// Package main (cmd/console) implements the interactive operator console for
// an emulated deployment. It attaches to both surfaces a physical bench would
// expose: the application processor's operator console and the decoder's host
// protocol port.
//
// Operator commands (list, boot, replace, attest) are forwarded to the
// application processor as console lines; its responses render with the
// markers field tooling knows, P> for provisioned components, F> for found
// components, C> for attestation reads. Decoder commands (channels,
// subscribe, decode) speak the framed host protocol, so sealed subscription
// payloads and broadcast frames produced by cmd/admin can be fed straight
// into the emulated device.
//
// Output colors adapt to the terminal's capabilities and can be disabled
// entirely with --no-color.
package main
