// Package web3 provides read-only access to EVM compatible chains for the
// builtin chain query tool. Only lightweight RPC reads are exposed: chain id,
// latest block height, account balance and pending nonce.
package web3
