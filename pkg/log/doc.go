// Package log wraps zerolog behind a small global logger with child-logger
// helpers for the fields the coordinator tags everywhere: component,
// endpoint_id, pool_id and operation_id. Init is called once from the
// composition root; everything else takes a child via WithComponent.
package log
