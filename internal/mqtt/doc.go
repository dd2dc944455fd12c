// Package mqtt owns the device's broker session: connecting with a
// retained last-will, announcing presence, publishing telemetry, and
// dispatching inbound command messages.
//
// A [Channel] is an explicit state machine over a [Client] transport.
// It never reconnects on its own; the coordinator decides when to call
// [Channel.Connect] again, gated by a cooldown. Inbound messages are
// queued by the transport's goroutines and only dispatched to handlers
// inside [Channel.Pump], so handlers always run on the caller's
// goroutine between ticks.
//
// Two transports are provided: [PahoV5] (MQTT 5, Eclipse Paho Go v2)
// and [PahoV3] (MQTT 3.1.1, Eclipse Paho MQTT Go). Both have library
// auto-reconnect disabled.
//
// On every connect the channel registers a will message
// ({"status":"offline"}, retained) in the CONNECT packet, publishes a
// retained {"status":"online"} to the same topic, and then restores all
// subscriptions. A clean shutdown publishes "offline" explicitly, since
// a normal DISCONNECT suppresses the will.
package mqtt
