package ssdp

import "strings"

// USN is a unique service name split into its device UUID and type.
// UUID keeps its "uuid:" prefix.
type USN struct {
	UUID string
	Type string
}

// ParseUSN splits "uuid:<id>::<type>" or a bare "uuid:<id>".
func ParseUSN(s string) USN {
	s = strings.TrimSpace(s)
	if uuid, typ, ok := strings.Cut(s, "::"); ok {
		return USN{UUID: uuid, Type: typ}
	}
	return USN{UUID: s}
}

// String joins the USN back into wire form.
func (u USN) String() string {
	if u.Type == "" {
		return u.UUID
	}
	return u.UUID + "::" + u.Type
}
