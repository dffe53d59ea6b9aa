package metricsx

import (
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// LabelCounter is like a *metrics.Counter, but split by the value of one
// label (e.g. a drop reason or a link name).
type LabelCounter struct {
	set   *metrics.Set
	base  string
	arg   string
	label string

	mu  sync.Mutex
	ctr map[string]*metrics.Counter
}

// NewLabelCounter creates a LabelCounter writing to metrics in set named
// name, split by label.
func NewLabelCounter(set *metrics.Set, name, label string) *LabelCounter {
	base, arg := splitName(name)
	return &LabelCounter{
		set:   set,
		base:  base,
		arg:   arg,
		label: label,
		ctr:   map[string]*metrics.Counter{},
	}
}

// Inc increments the counter for the given label value.
func (c *LabelCounter) Inc(value string) {
	c.Counter(value).Inc()
}

// Add adds n to the counter for the given label value.
func (c *LabelCounter) Add(value string, n int) {
	c.Counter(value).Add(n)
}

// Counter gets the underlying counter for the given label value,
// creating it on first use.
func (c *LabelCounter) Counter(value string) *metrics.Counter {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.ctr[value]
	if !ok {
		m = c.set.GetOrCreateCounter(formatName(c.base, c.arg, c.label, value))
		c.ctr[value] = m
	}
	return m
}
