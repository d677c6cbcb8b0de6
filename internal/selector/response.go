package selector

import "strings"

// Response is either a single piece of text or a pre-split list of parts.
// The formatter resolves both shapes into delivery units.
type Response struct {
	parts []string
	multi bool
}

// Single wraps one string.
func Single(text string) Response {
	return Response{parts: []string{text}}
}

// Multi wraps an ordered list of parts.
func Multi(parts ...string) Response {
	return Response{parts: parts, multi: true}
}

// IsMulti reports whether the response was built from parts.
func (r Response) IsMulti() bool { return r.multi }

// Parts returns the parts in order; a Single response has exactly one.
func (r Response) Parts() []string {
	out := make([]string, len(r.parts))
	copy(out, r.parts)
	return out
}

// Text joins the parts with a space.
func (r Response) Text() string {
	return strings.Join(r.parts, " ")
}

// Empty reports whether every part is blank.
func (r Response) Empty() bool {
	for _, p := range r.parts {
		if strings.TrimSpace(p) != "" {
			return false
		}
	}
	return true
}
