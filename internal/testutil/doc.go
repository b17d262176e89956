// Package testutil builds fixtures shared by package tests: staged build
// templates, Distribution documents and self-signed signing credentials.
package testutil
