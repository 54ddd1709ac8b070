package http

import "strings"

// Query accumulates a query string of "key=value" pairs joined by "&".
//
// Keys and values are written verbatim: no percent escaping is applied.
// Callers escape anything that needs escaping before adding it.
type Query struct {
	sb strings.Builder
}

func (q *Query) Add(key, value string) {
	if q.sb.Len() > 0 {
		q.sb.WriteByte('&')
	}

	q.sb.WriteString(key)
	q.sb.WriteByte('=')
	q.sb.WriteString(value)
}

func (q *Query) Len() int { return q.sb.Len() }

func (q *Query) String() string { return q.sb.String() }
