// Package mysql implements a binary-protocol MySQL client driven by the
// runtime's event loop: handshake/authentication (mysql_native_password and
// caching_sha2_password), text and binary query execution, and prepared
// statements. Every blocking network round trip runs on a dedicated
// goroutine bridged back onto the loop via Loop.Promisify, and commands on
// a single Conn are serialized by an in-package async mutex so the wire
// sequence-id discipline is never violated by overlapping round trips.
package mysql
