package queue

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/ricirt/karnak/internal/domain"
)

var extractorPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Naming maps (extractor, priority) partitions to queue names for one fetcher.
//
// Layout:
//
//	{prefix}-{extractor}-p{n}   work queue with priority n
//	{prefix}-{extractor}-any    work queue without priority
//	{prefix}-results            results queue
//	{prefix}-dead-letter        undecodable bodies
//
// Extractor names cannot contain '-', so the last separator of a work queue
// name always splits extractor from partition and the mapping is injective.
type Naming struct {
	prefix      string
	extractors  []string
	maxPriority int
}

func NewNaming(prefix string, extractors []string, maxPriority int) (Naming, error) {
	if prefix == "" {
		return Naming{}, fmt.Errorf("queue prefix must not be empty")
	}
	if len(extractors) == 0 {
		return Naming{}, fmt.Errorf("at least one extractor is required")
	}
	if maxPriority < 0 {
		return Naming{}, fmt.Errorf("%w: max priority %d", domain.ErrInvalidPriority, maxPriority)
	}
	seen := make(map[string]bool, len(extractors))
	for _, e := range extractors {
		if !extractorPattern.MatchString(e) {
			return Naming{}, fmt.Errorf("%w: %q", domain.ErrInvalidExtractor, e)
		}
		if seen[e] {
			return Naming{}, fmt.Errorf("duplicate extractor %q", e)
		}
		seen[e] = true
	}
	return Naming{
		prefix:      prefix,
		extractors:  append([]string{}, extractors...),
		maxPriority: maxPriority,
	}, nil
}

func (n Naming) Prefix() string {
	return n.prefix
}

func (n Naming) MaxPriority() int {
	return n.maxPriority
}

func (n Naming) Extractors() []string {
	return append([]string{}, n.extractors...)
}

// HasExtractor reports whether e is one of the configured extractors.
func (n Naming) HasExtractor(e string) bool {
	for _, x := range n.extractors {
		if x == e {
			return true
		}
	}
	return false
}

// Priorities lists the partitions in processing order: 1..max, then the
// catch-all partition (nil).
func (n Naming) Priorities() []*int {
	out := make([]*int, 0, n.maxPriority+1)
	for p := 1; p <= n.maxPriority; p++ {
		out = append(out, domain.IntPtr(p))
	}
	return append(out, nil)
}

// ValidPriority reports whether p names an existing partition.
func (n Naming) ValidPriority(p *int) bool {
	return p == nil || (*p >= 1 && *p <= n.maxPriority)
}

func (n Naming) WorkQueueName(extractor string, priority *int) string {
	if priority == nil {
		return n.prefix + "-" + extractor + "-any"
	}
	return n.prefix + "-" + extractor + "-p" + strconv.Itoa(*priority)
}

func (n Naming) ResultsQueueName() string {
	return n.prefix + "-results"
}

func (n Naming) DeadLetterQueueName() string {
	return n.prefix + "-dead-letter"
}

// AllWorkQueueNames is the cross product of extractors and Priorities.
// With no arguments every configured extractor is used.
func (n Naming) AllWorkQueueNames(extractors ...string) []string {
	if len(extractors) == 0 {
		extractors = n.extractors
	}
	priorities := n.Priorities()
	out := make([]string, 0, len(extractors)*len(priorities))
	for _, e := range extractors {
		for _, p := range priorities {
			out = append(out, n.WorkQueueName(e, p))
		}
	}
	return out
}

// AllQueueNames is every work queue plus the results queue.
func (n Naming) AllQueueNames() []string {
	return append(n.AllWorkQueueNames(), n.ResultsQueueName())
}
