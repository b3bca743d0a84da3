// Package paths maps virtual object paths onto the script store on disk.
//
// # Directory Structure
//
//	<root>/
//	  ├── objects/   (one script per hosted object)
//	  └── lib/       (shared scripts)
//
// The virtual path "/objects/notes" is backed by <root>/objects/notes.js.
//
// # Usage
//
//	layout := paths.NewLayout("/var/lib/scripthost")
//	file := layout.File("/objects/notes")
package paths
