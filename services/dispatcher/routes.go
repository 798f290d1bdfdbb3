package dispatcher

import (
	"path"
	"sort"
)

// Routes maps task names to queues. Keys may be glob patterns such as
// "proj.email.*"; an exact name wins over any pattern, and longer patterns
// are tried first.
type Routes struct {
	exact    map[string]string
	patterns []route
	fallback string
}

type route struct {
	pattern string
	queue   string
}

// NewRoutes builds a route table. Names that match nothing go to fallback.
func NewRoutes(table map[string]string, fallback string) (*Routes, error) {
	r := &Routes{exact: make(map[string]string), fallback: fallback}
	for name, queue := range table {
		if !hasMeta(name) {
			r.exact[name] = queue
			continue
		}
		if _, err := path.Match(name, ""); err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, route{pattern: name, queue: queue})
	}
	sort.Slice(r.patterns, func(i, j int) bool {
		a, b := r.patterns[i].pattern, r.patterns[j].pattern
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return r, nil
}

// Queue returns the queue for taskName.
func (r *Routes) Queue(taskName string) string {
	if q, ok := r.exact[taskName]; ok {
		return q
	}
	for _, p := range r.patterns {
		if ok, _ := path.Match(p.pattern, taskName); ok {
			return p.queue
		}
	}
	return r.fallback
}

func hasMeta(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', '\\':
			return true
		}
	}
	return false
}
