package objects

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scripthost/internal/shared/paths"
	"github.com/GriffinCanCode/scripthost/internal/shared/utils"
)

// ErrNotFound is returned for paths with no script behind them.
var ErrNotFound = errors.New("object not found")

// Object is one stored script.
type Object struct {
	Path         string
	Source       string
	Digest       string
	LastModified time.Time
	Size         int64
}

// Filename returns the last element of the object's path.
func (o *Object) Filename() string {
	return o.Path[strings.LastIndexByte(o.Path, '/')+1:]
}

// Store keeps object scripts as files under a root directory.
type Store struct {
	layout paths.Layout
	ids    *utils.ScriptIdentifier
	logger *zap.Logger
}

// NewStore opens the store at root, creating its standard directories.
func NewStore(root string, hasher *utils.Hasher, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	layout := paths.NewLayout(root)
	for _, dir := range layout.StandardDirectories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		layout: layout,
		ids:    utils.NewScriptIdentifier(hasher),
		logger: logger,
	}, nil
}

// Root returns the store's directory.
func (s *Store) Root() string { return s.layout.Root }

func (s *Store) file(objectPath string) (string, string, error) {
	clean, err := utils.CleanObjectPath(objectPath)
	if err != nil {
		return "", "", err
	}
	return clean, s.layout.File(clean), nil
}

// Load reads the object at path.
func (s *Store) Load(ctx context.Context, objectPath string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, file, err := s.file(objectPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(file)
	if err != nil {
		return nil, s.statError(clean, err)
	}
	if info.Size() > utils.MaxScriptSize {
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", clean, info.Size(), utils.MaxScriptSize)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, s.statError(clean, err)
	}

	source := string(data)
	return &Object{
		Path:         clean,
		Source:       source,
		Digest:       s.ids.Digest(source),
		LastModified: info.ModTime(),
		Size:         info.Size(),
	}, nil
}

// ModTime returns when the object at path last changed.
func (s *Store) ModTime(ctx context.Context, objectPath string) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	clean, file, err := s.file(objectPath)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return time.Time{}, s.statError(clean, err)
	}
	return info.ModTime(), nil
}

// Put writes source to the object at path. The new modification time is
// always later than the previous one so rebuilds are never missed.
func (s *Store) Put(ctx context.Context, objectPath, source string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(source) > utils.MaxScriptSize {
		return nil, fmt.Errorf("script is %d bytes, limit is %d", len(source), utils.MaxScriptSize)
	}
	clean, file, err := s.file(objectPath)
	if err != nil {
		return nil, err
	}

	var previous time.Time
	if info, err := os.Stat(file); err == nil {
		previous = info.ModTime()
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(file), ".put-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(source); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return nil, err
	}

	if info, err := os.Stat(file); err == nil && !previous.IsZero() && !info.ModTime().After(previous) {
		bumped := previous.Add(time.Millisecond)
		if err := os.Chtimes(file, bumped, bumped); err != nil {
			return nil, err
		}
	}

	obj, err := s.Load(ctx, clean)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Stored object",
		zap.String("path", clean),
		zap.String("digest", s.ids.ShortDigest(obj.Digest)),
		zap.Int("bytes", len(source)),
	)
	return obj, nil
}

// Delete removes the object at path.
func (s *Store) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, file, err := s.file(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil {
		return s.statError(clean, err)
	}
	return nil
}

// List returns the virtual paths matching a doublestar pattern such as
// "objects/**", matched without the leading slash. Results are sorted.
func (s *Store) List(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(s.layout.Root), "**/*"+paths.ScriptExt, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}

	out := make([]string, 0, len(matches))
	for _, match := range matches {
		p, err := s.layout.ObjectPath(filepath.Join(s.layout.Root, filepath.FromSlash(match)))
		if err != nil {
			continue
		}
		if ok, _ := doublestar.Match(pattern, strings.TrimPrefix(p, "/")); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) statError(objectPath string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, objectPath)
	}
	return err
}
