// Package publisher delivers restore events to external systems.
//
// Every stage a host reaches, every restored table and every failure is
// appended to a durable, ordered event log backed by Pebble. One worker per
// configured sink reads the log from its own cursor and publishes the events
// it is interested in, so a slow or unreachable sink never holds up the
// restore and resumes where it stopped after a restart.
//
// Key prefixes:
//
//	/restorelog/{seq:016x}    -> msgpack(Event)
//	/restorecursor/{sinkName} -> uint64 (cursor)
//	/restoreseq               -> uint64 (last sequence)
//
// Sinks register themselves by type from package sink; encoders are selected
// by the sink's format ("json" or "msgpack").
package publisher
