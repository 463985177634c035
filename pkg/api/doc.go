/*
Package api exposes the Lifecycle Engine as a set of plain Go methods on
Server: Create, Start, Stop, Kill, Remove, Status, List, Logs, Exec,
IccPing, IccExec, StreamEvents, Health, Metrics, SystemInfo. Binding these
to a wire protocol (gRPC stub generation, an HTTP router) is deliberately
left to a caller outside this package — Server's methods take and return
plain Go values, not proto messages, so whatever transport a deployment
picks can wrap them directly.

Name resolution is uniform across every method that takes an idOrName
string: the engine resolves it against the Store, trying it as an id first
and falling back to a name lookup, so callers never need to know which one
they have.
*/
package api
