// Package mysql provides the MySQL connection pool and the embedded schema
// migrations used by the wallet event store.
package mysql
