// Command scripthost serves server-side JavaScript objects over HTTP.
//
// Each object is a script in the object store whose web-callable functions
// are dispatched by name. Scripts never run in the server process: the binary
// re-executes itself with -worker to host them in sandbox worker processes,
// which the server kills when a call overruns its budget.
//
// Usage:
//
//	scripthost [-port 8000] [-config scripthost.yaml]
//	scripthost -worker
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional YAML or TOML file
//   - CLI flags (override both)
package main
