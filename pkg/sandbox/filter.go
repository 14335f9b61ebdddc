package sandbox

import "strings"

// Matches reports whether sb satisfies f: state matching is a
// case-insensitive OR across f.States (empty means "any state"); metadata
// matching is a strict-equality AND across f.Metadata keys.
func (f Filter) Matches(sb Sandbox) bool {
	if len(f.States) > 0 {
		current := strings.ToLower(string(sb.Status.State))
		found := false
		for _, want := range f.States {
			if strings.ToLower(want) == current {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range f.Metadata {
		if sb.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Normalize clamps PageSize to [1, 200] (default 20) and Page to >= 1.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 200 {
		p.PageSize = 200
	}
	return p
}

// Paginate applies 1-based pagination over an already-filtered slice.
func Paginate(items []Sandbox, p Page) PageResult {
	p = p.Normalize()
	total := len(items)
	start := (p.Page - 1) * p.PageSize
	if start > total {
		start = total
	}
	end := start + p.PageSize
	if end > total {
		end = total
	}
	return PageResult{
		Items:      items[start:end],
		Page:       p.Page,
		PageSize:   p.PageSize,
		TotalCount: total,
	}
}
