package automation

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/homecore/errors"
	"github.com/c360/homecore/types"
)

// Loop prevention defaults.
const (
	DefaultMaxContextDepth = 10
	DefaultLineageSize     = 8192
)

// link is one recorded context: its parent and the rule whose run created
// it, if any.
type link struct {
	parent string
	rule   string
}

// lineage remembers recent context ancestry so a trigger's context chain
// can be walked beyond the single parent id a Context carries.
type lineage struct {
	links     *lru.Cache[string, link]
	maxDepth  int
	allowSelf bool
}

func newLineage(size, maxDepth int, allowSelf bool) (*lineage, error) {
	links, err := lru.New[string, link](size)
	if err != nil {
		return nil, err
	}
	return &lineage{links: links, maxDepth: maxDepth, allowSelf: allowSelf}, nil
}

// observe records an event context without claiming it for a rule.
func (l *lineage) observe(c *types.Context) {
	if c == nil || c.ID == "" {
		return
	}
	if _, ok := l.links.Peek(c.ID); ok {
		return
	}
	l.links.Add(c.ID, link{parent: c.ParentID})
}

// recordRun records a run context created by rule.
func (l *lineage) recordRun(c *types.Context, rule string) {
	l.links.Add(c.ID, link{parent: c.ParentID, rule: rule})
}

// check walks the ancestry of c. It refuses when a context created by
// rule's own runs appears in the chain (unless self re-triggering is
// allowed) or when the chain is longer than maxDepth.
func (l *lineage) check(rule string, c *types.Context) error {
	if c == nil {
		return nil
	}
	id, next := c.ID, c.ParentID
	for depth := 0; id != ""; depth++ {
		if l.maxDepth > 0 && depth >= l.maxDepth {
			return errors.Detail(errors.ErrLoopDetected,
				"context chain of rule %s exceeds depth %d", rule, l.maxDepth)
		}
		lk, ok := l.links.Peek(id)
		if ok {
			if lk.rule == rule && !l.allowSelf {
				return errors.Detail(errors.ErrLoopDetected,
					"rule %s re-triggered by its own run context %s", rule, id)
			}
			if next == "" {
				next = lk.parent
			}
		}
		id, next = next, ""
	}
	return nil
}
