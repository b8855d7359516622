// Package mysql carries the shared MySQL plumbing: the connection pool
// helper, the embedded schema migration runner, and the SQL-backed auth user
// catalogue. Workflow records and context entries keep their own stores in
// their owning packages; this package provisions the schema they share.
package mysql
