// Package protocol holds the wire-level vocabulary shared by the notification
// and switchboard stages: numeric error codes, list operation results, list
// names and the helpers that frame outgoing lines.
package protocol

import "strconv"

// Code is a numeric protocol error sent back as "<code> <trid>".
type Code int

const (
	CodeSyntaxError      Code = 200
	CodeInvalidParameter Code = 201
	CodeNonexistentEmail Code = 205
	CodeAlreadyLoggedIn  Code = 207
	CodeAlreadyInList    Code = 215
	CodeNotInList        Code = 216
	CodeUserOffline      Code = 217
	CodeInAllowAndBlock  Code = 219
	CodeInvalidGroup     Code = 224
	CodeNotInGroup       Code = 225
	CodeGroupExists      Code = 228
	CodeDefaultGroup     Code = 230
	CodeInternalError    Code = 500
	CodeAuthFailed       Code = 911
)

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// ListResult is the outcome of a list membership mutation.
type ListResult int

const (
	Success ListResult = iota
	AlreadyInList
	InAllowAndBlock
	NonexistentEmail
	UserNotInList
)

var listResultNames = map[ListResult]string{
	Success:          "SUCCESS",
	AlreadyInList:    "ALREADY_IN_LIST",
	InAllowAndBlock:  "IN_ALLOW_AND_BLOCK",
	NonexistentEmail: "NONEXISTENT_EMAIL",
	UserNotInList:    "USER_NOT_IN_LIST",
}

func (r ListResult) String() string {
	if s, ok := listResultNames[r]; ok {
		return s
	}
	return "UNKNOWN(" + strconv.Itoa(int(r)) + ")"
}

// Code maps a failed result to its wire code. Success has no code and
// returns 0.
func (r ListResult) Code() Code {
	switch r {
	case AlreadyInList:
		return CodeAlreadyInList
	case InAllowAndBlock:
		return CodeInAllowAndBlock
	case NonexistentEmail:
		return CodeNonexistentEmail
	case UserNotInList:
		return CodeNotInList
	}
	return 0
}
