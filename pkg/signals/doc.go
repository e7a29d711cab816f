// Package signals provides named publish/subscribe signals grouped in namespaces.
//
// A Namespace hands out one *Signal per name (get-or-create). Receivers
// Connect to a signal and are called once per Send. Dispatch runs over a
// watermill transport: in process by default, or Redis Streams when receivers
// live in other processes.
package signals
