package coordinator

import (
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/hacluster/internal/cluster"
)

const (
	// DefaultPageSize is used when a criteria leaves PageSize at zero.
	DefaultPageSize = 50
	// MaxPageSize caps the size of a single page.
	MaxPageSize = 500
)

// SortOrder is ASC or DESC. The zero value means the default order of the list.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// PageControl selects one page of a result. Page numbers start at zero.
type PageControl struct {
	Page     int
	PageSize int
}

func (p PageControl) normalize() (page, size int) {
	page, size = p.Page, p.PageSize
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return page, size
}

// paginate cuts one page out of items, which are already filtered and sorted.
func paginate[T any](items []T, pc PageControl) cluster.Page[T] {
	page, size := pc.normalize()
	start := len(items)
	if page <= len(items)/size {
		start = page * size
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return cluster.Page[T]{
		Items:    out,
		Total:    len(items),
		Page:     page,
		PageSize: size,
	}
}

// nameMatches applies the name filter shared by all criteria: exact when
// strict, case-insensitive substring otherwise. An empty filter matches all.
func nameMatches(name, filter string, strict bool) bool {
	if filter == "" {
		return true
	}
	if strict {
		return name == filter
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

func sortByName[T any](items []T, order SortOrder, name func(T) string) {
	slices.SortFunc(items, func(a, b T) int {
		c := strings.Compare(name(a), name(b))
		if order == SortDesc {
			return -c
		}
		return c
	})
}

// ServerCriteria filters FindServers.
type ServerCriteria struct {
	Name   string
	Strict bool
	// Modes keeps servers in any of the listed modes. Empty keeps all.
	Modes []cluster.OperationMode
	Sort  SortOrder
	PageControl
}

func (c ServerCriteria) matches(s *cluster.Server) bool {
	if !nameMatches(s.Name, c.Name, c.Strict) {
		return false
	}
	return len(c.Modes) == 0 || slices.Contains(c.Modes, s.OperationMode)
}

// AgentCriteria filters FindAgents.
type AgentCriteria struct {
	Name            string
	Strict          bool
	ServerID        *int
	AffinityGroupID *int
	// WithoutGroup keeps only agents outside every affinity group.
	WithoutGroup bool
	Sort         SortOrder
	PageControl
}

func (c AgentCriteria) matches(a *cluster.Agent) bool {
	if !nameMatches(a.Name, c.Name, c.Strict) {
		return false
	}
	if c.ServerID != nil && (a.ServerID == nil || *a.ServerID != *c.ServerID) {
		return false
	}
	if c.AffinityGroupID != nil && (a.AffinityGroupID == nil || *a.AffinityGroupID != *c.AffinityGroupID) {
		return false
	}
	if c.WithoutGroup && a.AffinityGroupID != nil {
		return false
	}
	return true
}

// GroupCriteria filters the affinity group list.
type GroupCriteria struct {
	Name   string
	Strict bool
	Sort   SortOrder
	PageControl
}

// EventCriteria filters the partition event log.
type EventCriteria struct {
	Types    []cluster.PartitionEventType
	Statuses []cluster.ExecutionStatus
	// Detail keeps events whose detail contains this text, ignoring case.
	Detail string
	// Since and Until bound the creation time when non-zero.
	Since time.Time
	Until time.Time
	// Sort orders by creation; the default is newest first.
	Sort SortOrder
	PageControl
}

func (c EventCriteria) matches(e *cluster.PartitionEvent) bool {
	if len(c.Types) > 0 && !slices.Contains(c.Types, e.Type) {
		return false
	}
	if len(c.Statuses) > 0 && !slices.Contains(c.Statuses, e.Status) {
		return false
	}
	if c.Detail != "" && !strings.Contains(strings.ToLower(e.Detail), strings.ToLower(c.Detail)) {
		return false
	}
	if !c.Since.IsZero() && e.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && e.CreatedAt.After(c.Until) {
		return false
	}
	return true
}
