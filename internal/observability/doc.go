// Package observability builds the process logger and the Prometheus
// metrics recorded by the factory, health monitor and failover manager.
package observability
