// Package postboot implements the post-boot extension points for the
// application processor and its peripheral components.
//
// After the boot flow finishes (every component verified, boot messages
// emitted), the firmware hands control to whatever the deployment builder
// registered here. Nothing is inferred or injected: behavior comes only
// from an explicitly registered Hook, and with none registered PostBoot
// is a no-op.
//
// A Hook receives an Env scoping what post-boot code may touch: the
// secure channel to the peer side, the provisioned component IDs (on the
// application processor), the board LED facade and a delay primitive.
// Hooks do not return; a hook that wants the device forever simply never
// returns, as the original run-forever loops did. Hook panics are not
// recovered.
//
// Both runtimes hold at most one hook. SetHook replaces the previous
// registration and takes effect on the next PostBoot call; registering
// nil resets to the no-op default.
package postboot
