// Package svccore underlies a service-oriented platform: service discovery,
// fail-over RPC client proxying, and consistent-hash sharding across service
// instances.
//
// The subsystems share one coordination model. Every service instance is
// represented by ephemeral nodes in a coordination service (etcd by default):
// a registration node under /services/<name>/registry and, for sharded
// services, position nodes under /services/<name>/hashring. The coordination
// service removes these nodes when the owning session ends, so node absence
// is the platform's failure detector.
//
// The root package provides the Service lifecycle that wires the pieces
// together; the registrar, hashring, proxy and coordinator packages are
// usable independently.
package svccore
