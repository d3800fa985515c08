// ABOUTME: File actions: read_file, read_log, write_file, list_files.
// ABOUTME: Paths are resolved against the agent's allowed roots.

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/2389/opsrelay/internal/protocol"
)

const (
	defaultLogLines = 100
	maxLogLines     = 10000
	// logTailWindow bounds how much of a log file read_log scans.
	logTailWindow = 4 << 20
	listMaxDepth  = 3
	listMaxItems  = 5000
)

var errOutsideRoots = errors.New("path is outside the allowed roots")

// resolvePath makes p absolute and checks it against the allowed roots.
func (r *Registry) resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	if len(r.opts.AllowedRoots) == 0 {
		return abs, nil
	}
	for _, root := range r.opts.AllowedRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errOutsideRoots, abs)
}

func (c *Call) pathParam(key string, required bool) (string, *Result) {
	p, ok := stringParam(c.Params, key)
	if !ok {
		if required {
			res := missing(key)
			return "", &res
		}
		p = "."
	}
	resolved, err := c.registry.resolvePath(p)
	if err != nil {
		res := fail(protocol.CodePathDenied, "%v", err)
		return "", &res
	}
	return resolved, nil
}

func readFile(_ context.Context, c *Call) Result {
	path, bad := c.pathParam("path", true)
	if bad != nil {
		return *bad
	}
	f, err := os.Open(path)
	if err != nil {
		return fail(protocol.CodeReadError, "Read failed: %v", err)
	}
	defer f.Close()

	limit := int64(c.registry.opts.MaxOutput)
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return fail(protocol.CodeReadError, "Read failed: %v", err)
	}
	res := ok(string(data))
	res.OutputBytes = int64(len(data))
	if int64(len(data)) > limit {
		res.Truncated = true
		res.Output = string(data[:limit]) + truncationNote(limit)
		if info, err := f.Stat(); err == nil {
			res.OutputBytes = info.Size()
		}
	}
	return res
}

func truncationNote(limit int64) string {
	return fmt.Sprintf("\n... [output truncated at %s]", humanize.IBytes(uint64(limit)))
}

func readLog(_ context.Context, c *Call) Result {
	path, bad := c.pathParam("path", true)
	if bad != nil {
		return *bad
	}
	lines, ok := intParam(c.Params, "lines")
	if !ok || lines <= 0 {
		lines = defaultLogLines
	}
	lines = min(lines, maxLogLines)

	f, err := os.Open(path)
	if err != nil {
		return fail(protocol.CodeReadError, "Read log failed: %v", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(protocol.CodeReadError, "Read log failed: %v", err)
	}
	if info.Size() > logTailWindow {
		if _, err := f.Seek(-logTailWindow, io.SeekEnd); err != nil {
			return fail(protocol.CodeReadError, "Read log failed: %v", err)
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fail(protocol.CodeReadError, "Read log failed: %v", err)
	}

	all := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return okData(strings.Join(all, "\n"), map[string]any{"lines": len(all)})
}

func writeFile(_ context.Context, c *Call) Result {
	path, bad := c.pathParam("path", true)
	if bad != nil {
		return *bad
	}
	content, present := c.Params["content"].(string)
	if !present {
		return missing("content")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail(protocol.CodeWriteError, "Write failed: %v", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if boolParam(c.Params, "append", false) {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fail(protocol.CodeWriteError, "Write failed: %v", err)
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail(protocol.CodeWriteError, "Write failed: %v", err)
	}
	return okData(
		fmt.Sprintf("Wrote %s to %s", humanize.Bytes(uint64(n)), path),
		map[string]any{"path": path, "bytes": n},
	)
}

func listFiles(_ context.Context, c *Call) Result {
	dir, bad := c.pathParam("path", false)
	if bad != nil {
		return *bad
	}
	depth := 1
	if boolParam(c.Params, "recursive", false) {
		depth = listMaxDepth
	}

	var lines []string
	truncated, err := walkDir(dir, depth, 0, &lines)
	if err != nil {
		return fail(protocol.CodeReadError, "List failed: %v", err)
	}
	res := okData(strings.Join(lines, "\n"), map[string]any{"entries": len(lines)})
	if truncated {
		res.Truncated = true
		res.Output += fmt.Sprintf("\n... [listing truncated at %d entries]", listMaxItems)
	}
	return res
}

// walkDir appends one line per entry, indenting by depth. Unreadable
// subdirectories are skipped; an unreadable top directory is an error.
func walkDir(dir string, maxDepth, depth int, out *[]string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if depth == 0 {
			return false, err
		}
		return false, nil
	}
	prefix := strings.Repeat("  ", depth)
	for _, e := range entries {
		if len(*out) >= listMaxItems {
			return true, nil
		}
		if e.IsDir() {
			*out = append(*out, prefix+"d "+e.Name()+"/")
			if depth+1 < maxDepth {
				truncated, _ := walkDir(filepath.Join(dir, e.Name()), maxDepth, depth+1, out)
				if truncated {
					return true, nil
				}
			}
			continue
		}
		*out = append(*out, prefix+"f "+e.Name())
	}
	return false, nil
}
