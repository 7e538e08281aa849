package protocol

import (
	"net/url"
	"strconv"
	"strings"
)

// CRLF terminates every line on the wire.
const CRLF = "\r\n"

// Line joins the fields with single spaces. The terminator is added by the
// connection when the line is written.
func Line(fields ...string) string {
	return strings.Join(fields, " ")
}

// ErrorLine formats the "<code> <trid>" error reply.
func ErrorLine(code Code, trid string) string {
	return Line(code.String(), trid)
}

// Itoa is shorthand used when assembling lines with numeric fields.
func Itoa(n int) string {
	return strconv.Itoa(n)
}

// Escape URL-encodes a value the way nicknames, group names and phone numbers
// travel on the wire (spaces become %20).
func Escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Unescape reverses Escape. Invalid escapes return the input unchanged.
func Unescape(s string) string {
	v, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return v
}

// Domain returns the part of an address after the last '@', or "" when the
// address has none.
func Domain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// LocalPart returns the part of an address before the last '@'.
func LocalPart(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[:i]
}

// IsEmail is the only address validation the protocol performs.
func IsEmail(addr string) bool {
	return strings.Contains(addr, "@")
}
