package protocol

import "slices"

// ListName identifies one of the four membership lists of a user.
type ListName string

const (
	ForwardList ListName = "FL"
	AllowList   ListName = "AL"
	BlockList   ListName = "BL"
	ReverseList ListName = "RL"
)

// AllLists is the order in which lists are reported during synchronization.
var AllLists = []ListName{ForwardList, AllowList, BlockList, ReverseList}

// ParseListName accepts only the four known list names.
func ParseListName(s string) (ListName, bool) {
	switch l := ListName(s); l {
	case ForwardList, AllowList, BlockList, ReverseList:
		return l, true
	}
	return "", false
}

// ClientMutable reports whether clients may ADD to or REM from the list.
// The reverse list is maintained by the server only.
func (l ListName) ClientMutable() bool {
	return l == ForwardList || l == AllowList || l == BlockList
}

// Presence statuses.
const (
	StatusOffline = "FLN"
	StatusOnline  = "NLN"
)

// Protocol variants with distinct synchronization behaviour.
const (
	VariantMSNP6 = "MSNP6"
	VariantMSNP7 = "MSNP7"
)

// BestVariant picks the richest variant present in both lists. The
// notification engine falls back to MSNP6 semantics when none matches.
func BestVariant(offered, supported []string) string {
	for _, v := range []string{VariantMSNP7, VariantMSNP6} {
		if slices.Contains(offered, v) && slices.Contains(supported, v) {
			return v
		}
	}
	return VariantMSNP6
}
