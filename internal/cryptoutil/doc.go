// Package cryptoutil holds the small hashing and comparison helpers shared by
// the HTTP handlers: hex SHA-256 digests and constant-time equality.
package cryptoutil
