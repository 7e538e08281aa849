package notification

import "github.com/dmitrijs2005/gophmsn/internal/protocol"

// Variant selects the synchronization behaviour negotiated with VER.
type Variant int

const (
	MSNP6 Variant = iota
	// MSNP7 adds group enumeration and group ids on FL entries.
	MSNP7
)

// ParseVariant maps the variant recorded on a connection. Anything unknown is
// served as MSNP6.
func ParseVariant(s string) Variant {
	if s == protocol.VariantMSNP7 {
		return MSNP7
	}
	return MSNP6
}

func (v Variant) String() string {
	if v == MSNP7 {
		return protocol.VariantMSNP7
	}
	return protocol.VariantMSNP6
}

func (v Variant) hasGroups() bool {
	return v >= MSNP7
}
