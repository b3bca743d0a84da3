package paths

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ScriptExt is the extension of every object script on disk.
const ScriptExt = ".js"

// Store subdirectories
const (
	// Objects contains one script per hosted object
	Objects = "objects"

	// Lib contains shared scripts pulled in by "// Scripts:" lines and use()
	Lib = "lib"
)

// Layout resolves virtual object paths against a store root.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: filepath.Clean(root)}
}

// File returns the script file backing the virtual path "/a/b".
func (l Layout) File(objectPath string) string {
	rel := filepath.FromSlash(strings.TrimPrefix(objectPath, "/"))
	return filepath.Join(l.Root, rel+ScriptExt)
}

// ObjectPath maps a script file under the root back to its virtual path.
func (l Layout) ObjectPath(file string) (string, error) {
	rel, err := filepath.Rel(l.Root, file)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", file, l.Root)
	}
	if !strings.HasSuffix(rel, ScriptExt) {
		return "", fmt.Errorf("%s is not a script", file)
	}
	return "/" + filepath.ToSlash(strings.TrimSuffix(rel, ScriptExt)), nil
}

// StandardDirectories returns the directories a new store creates.
func (l Layout) StandardDirectories() []string {
	return []string{
		filepath.Join(l.Root, Objects),
		filepath.Join(l.Root, Lib),
	}
}

// IsLibraryPath reports whether a virtual path names a shared library.
func IsLibraryPath(objectPath string) bool {
	return strings.HasPrefix(objectPath, "/"+Lib+"/")
}
