// Package objects stores object scripts as files and reports their digest
// and modification time, which decide when compiled scripts and scopes are
// rebuilt.
package objects
