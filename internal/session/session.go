// Package session provides the cookie-carrying HTTP primitive used by the
// CAS login flow. Redirects are never followed automatically: every hop is
// surfaced to the caller so it can inspect or rewrite the target.
package session

import (
	"net/http"
	"sort"
	"strings"
)

// Session is an immutable set of cookie name -> value pairs. Every method
// that changes it returns a new Session; the receiver is never modified.
type Session struct {
	cookies map[string]string
}

// New returns an empty session.
func New() Session {
	return Session{}
}

// Get returns the value of the named cookie.
func (s Session) Get(name string) (string, bool) {
	v, ok := s.cookies[name]
	return v, ok
}

// Len reports the number of cookies held.
func (s Session) Len() int {
	return len(s.cookies)
}

// With returns a copy of s with the given cookies merged in. Later cookies
// win over earlier ones with the same name; a cookie with MaxAge < 0 is
// removed.
func (s Session) With(cookies ...*http.Cookie) Session {
	if len(cookies) == 0 {
		return s
	}
	next := make(map[string]string, len(s.cookies)+len(cookies))
	for k, v := range s.cookies {
		next[k] = v
	}
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		if c.MaxAge < 0 {
			delete(next, c.Name)
			continue
		}
		next[c.Name] = c.Value
	}
	return Session{cookies: next}
}

// Header renders the cookies as a Cookie request header value. Names are
// sorted so the header is deterministic.
func (s Session) Header() string {
	if len(s.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.cookies))
	for k := range s.cookies {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(s.cookies[name])
	}
	return b.String()
}
