// Package cadenza is a Discord voice client core: it joins voice channels,
// mixes tracks into one Opus stream on a 20 ms cadence, seals it with
// XSalsa20-Poly1305 and keeps the session alive across resumes and
// reconnects, while fanning inbound audio back out as events.
//
// # Driver, Call, Manager
//
// Driver is the engine itself: a mixer goroutine, an event scheduler and a
// connection core wired together by typed messages. It takes a fully
// assembled ConnectionInfo, which makes it the right layer for tests and
// for hosts with their own gateway plumbing.
//
// Call wraps one guild's driver and talks to the host's main gateway
// through the GatewaySender interface, collecting the voice-state and
// voice-server updates a Join needs. Manager keeps one Call per guild.
//
// # Tracks and inputs
//
// Package track pairs a mixer-owned Track with a thread-safe Handle.
// Package input reads PCM and DCA sources into 20 ms frames, with
// passthrough for pre-encoded Opus when the mix reduces to one track.
//
// # Events
//
// Package event holds the registries the scheduler fires: timed and
// periodic events, per-track state-change subscriptions, and global
// connection-level events such as inbound voice packets.
//
// # Lower layers
//
// Package voicegateway speaks the version 4 voice websocket protocol, udp
// owns discovery, crypto and the media socket, and discord carries the few
// ID types everything shares.
package cadenza
