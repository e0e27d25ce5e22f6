// Package endpoint manages the lifecycle of registered pacman endpoints.
// Registration is idempotent on the name@hostname identity: a reinstalled
// machine re-registering under the same identity gets its existing record
// back with freshly issued credentials. The manager also ingests
// repository submissions, tracks self-reported sync status, and sweeps
// silent endpoints to offline.
package endpoint
