// Package mysql provides the connection pool setup and the embedded schema
// migration runner shared by MySQL-backed stores.
package mysql
