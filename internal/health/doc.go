// Package health provides composable probes for liveness and readiness.
//
// Probes combine with [All] (AND) and [Any] (OR); [Named] prefixes a
// failure with the dependency that caused it and [WithTimeout] bounds
// probes that touch the network (redis, s3). [ShutdownGate] flips
// readiness to failing once draining starts so the load balancer stops
// routing new requests before the listener closes.
package health
