/*
Package environment turns an object's script into web-callable functions.

An Environment wraps one version of one object script. For each user it
builds a sandbox scope holding the script's "// Scripts:" dependencies and the
script itself, then reads the properties the script attached to its global
functions:

	function add(a, b) { return a + b; }
	add.webCallable = "GET_application_x_www_form_urlencoded";
	add.minimumWebPermission = "Read";
	add.parser_a = "number";
	add.parser_b = "number";

Only functions with a webCallable calling convention are reachable through
GetMethod or listed by GenerateJavascriptWrapper. A script that fails to
compile or throws while loading leaves its message in
ExecutionEnvironmentErrors and resolves no methods.

Scripts can call two host functions: use(path) evaluates a shared script into
the caller's scope, and callObject(path, fn, ...args) calls a web-callable
function of another object in an isolated scope.

The Manager keeps one Environment per object path and rebuilds it when the
script's LastModified changes.
*/
package environment
