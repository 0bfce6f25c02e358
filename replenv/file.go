package replenv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
)

// maxFileBytes caps what open() will hand the program in one call.
const maxFileBytes = 1 << 20

// openBuiltin implements open(path) for the REPL tier: read-only, the
// whole file as a string, confined to the configured workdir. There is
// no file handle to leak and no write path at all.
func (e *Env) openBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	if e.workdir == "" {
		return nil, fmt.Errorf("open: no workspace directory is configured")
	}

	full, err := e.resolvePath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open: %s does not exist", path)
		}
		return nil, fmt.Errorf("open: %v", err)
	}
	if len(data) > maxFileBytes {
		data = data[:maxFileBytes]
	}
	return starlark.String(data), nil
}

// resolvePath roots p inside the workdir. A leading slash and any ..
// segments are normalized away before joining, so the result cannot
// climb out of the tree.
func (e *Env) resolvePath(p string) (string, error) {
	root := filepath.Clean(e.workdir)
	full := filepath.Join(root, filepath.Clean("/"+p))
	if full != root && !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("open: path %q escapes the workspace", p)
	}
	return full, nil
}
