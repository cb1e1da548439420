// Package location memoizes source location lookups for one dump.
package location

import (
	"context"

	"github.com/xhd2015/coroutine-mcp/debug/common"
	"github.com/xhd2015/coroutine-mcp/debug/mirror"
)

type key struct {
	class  string
	method string
	line   int
}

type entry struct {
	loc common.Location
	ok  bool
}

// Cache maps (declaring class, method, line) to a resolved location.
// A Cache belongs to a single dump and must not outlive it: classes may be
// reloaded once the target resumes.
type Cache struct {
	reader  mirror.Reader
	entries map[key]entry

	// lookups counts remote round trips
	lookups int
}

func NewCache(reader mirror.Reader) *Cache {
	return &Cache{
		reader:  reader,
		entries: make(map[key]entry),
	}
}

// LocationFor resolves frame to a location. When the target cannot map the
// frame, a location built from the symbolic frame is returned with ok=false.
// Misses are cached as well.
func (c *Cache) LocationFor(ctx context.Context, frame common.SymbolicFrame) (common.Location, bool, error) {
	k := key{class: frame.ClassName, method: frame.MethodName, line: frame.Line}
	if e, ok := c.entries[k]; ok {
		return e.loc, e.ok, nil
	}
	c.lookups++
	loc, ok, err := c.reader.Locate(ctx, frame)
	if err != nil {
		return common.Location{}, false, err
	}
	if !ok {
		loc = Symbolic(frame)
	}
	c.entries[k] = entry{loc: loc, ok: ok}
	return loc, ok, nil
}

// Lookups returns how many lookups went to the target
func (c *Cache) Lookups() int {
	return c.lookups
}

// Symbolic builds an unresolved location from frame
func Symbolic(frame common.SymbolicFrame) common.Location {
	return common.Location{
		ClassName:  frame.ClassName,
		MethodName: frame.MethodName,
		SourcePath: frame.FileName,
		Line:       frame.Line,
	}
}
