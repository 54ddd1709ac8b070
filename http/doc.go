// Package http implements an HTTP/1.x message codec: building and
// encoding requests and responses, and parsing them incrementally from
// arbitrarily sized byte chunks.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
