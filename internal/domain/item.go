package domain

import (
	"strconv"
	"time"
)

// Handle locates the transport message a QueueItem or FetchResult was read
// from. It is never serialized: the queue hands it out on receive and takes
// it back on delete/return.
type Handle struct {
	Queue   string
	Receipt string
}

func (h Handle) IsZero() bool {
	return h.Queue == "" && h.Receipt == ""
}

// QueueItem is one unit of work plus its retry and error history.
//
// Items are treated as immutable values: every state change goes through a
// copy-with-change method so an item received from one queue can be routed
// to another without aliasing the original.
type QueueItem struct {
	Key            string    `json:"key"`
	KeyProperty    string    `json:"key_property"`
	Table          string    `json:"table"`
	Extractor      string    `json:"extractor"`
	CurrentRetries int       `json:"current_retries"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Cohort         *string   `json:"cohort"`
	Priority       *int      `json:"priority"`
	FetchErrors    []string  `json:"fetch_errors"`

	Handle Handle `json:"-"`
}

// NewQueueItem builds a fresh item with no extractor assigned.
func NewQueueItem(key, keyProperty, table string) QueueItem {
	now := time.Now().UTC()
	return QueueItem{
		Key:         key,
		KeyProperty: keyProperty,
		Table:       table,
		CreatedAt:   now,
		UpdatedAt:   now,
		FetchErrors: []string{},
	}
}

// Identity is the logical identity of the work, independent of which queue
// currently holds it.
type Identity struct {
	Key         string
	KeyProperty string
	Table       string
}

func (q QueueItem) Identity() Identity {
	return Identity{Key: q.Key, KeyProperty: q.KeyProperty, Table: q.Table}
}

func (q QueueItem) clone() QueueItem {
	c := q
	c.FetchErrors = append([]string{}, q.FetchErrors...)
	if q.Priority != nil {
		c.Priority = IntPtr(*q.Priority)
	}
	if q.Cohort != nil {
		c.Cohort = StringPtr(*q.Cohort)
	}
	return c
}

func (q QueueItem) WithPriority(p *int) QueueItem {
	c := q.clone()
	c.Priority = nil
	if p != nil {
		c.Priority = IntPtr(*p)
	}
	return c
}

func (q QueueItem) WithExtractor(extractor string) QueueItem {
	c := q.clone()
	c.Extractor = extractor
	return c
}

func (q QueueItem) WithCohort(cohort string) QueueItem {
	c := q.clone()
	c.Cohort = StringPtr(cohort)
	return c
}

func (q QueueItem) WithHandle(h Handle) QueueItem {
	c := q.clone()
	c.Handle = h
	return c
}

// Retried records a failed attempt: the retry counter goes up by one and the
// error joins the history. The transport handle is kept so the caller can
// still delete the message the attempt came from.
func (q QueueItem) Retried(errMsg string) QueueItem {
	c := q.clone()
	c.CurrentRetries++
	if errMsg != "" {
		c.FetchErrors = append(c.FetchErrors, errMsg)
	}
	c.UpdatedAt = time.Now().UTC()
	return c
}

// Restarted returns a brand new item for the same key under another
// extractor. History is discarded; priority and cohort carry over.
func (q QueueItem) Restarted(extractor string) QueueItem {
	c := q.clone()
	now := time.Now().UTC()
	c.Extractor = extractor
	c.CurrentRetries = 0
	c.FetchErrors = []string{}
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Handle = Handle{}
	return c
}

func IntPtr(v int) *int { return &v }

func StringPtr(v string) *string { return &v }

// PriorityLabel renders a priority for logs and metric labels.
func PriorityLabel(p *int) string {
	if p == nil {
		return "none"
	}
	return strconv.Itoa(*p)
}

// SamePriority reports whether two optional priorities are equal.
func SamePriority(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
