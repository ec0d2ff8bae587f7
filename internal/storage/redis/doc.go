// Package redis implements the storage.KV contract on top of go-redis. It
// backs the short-term memory mirror, long-term memory and the completion
// cache when a Redis URL is configured.
package redis
