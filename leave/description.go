package leave

import (
	"fmt"
	"strings"
)

// Ledger descriptions double as correlation keys. The layout is
//
//	<tag> request=<id>; <text>
//	<tag>; <text>
//
// The request marker ends with ';' so request "r-1" never matches "r-10".
const (
	TagSeed       = "seed"
	TagOpening    = "opening"
	TagPreDeduct  = "pre-deduct"
	TagDeduct     = "deduct"
	TagRestore    = "restore"
	TagRecalc     = "recalc"
	TagAccrue     = "accrue"
	TagAdjustment = "adjust"
)

// RequestMarker is the greppable token for a request id.
func RequestMarker(id RequestID) string {
	return fmt.Sprintf("request=%s;", id)
}

// Describe builds an entry description.
func Describe(tag string, id RequestID, text string) string {
	if id == "" {
		return fmt.Sprintf("%s; %s", tag, text)
	}
	return fmt.Sprintf("%s %s %s", tag, RequestMarker(id), text)
}

// DescriptionTag extracts the leading tag of a description.
func DescriptionTag(desc string) string {
	if i := strings.IndexAny(desc, " ;"); i >= 0 {
		return desc[:i]
	}
	return desc
}

// ReferencesRequest reports whether desc carries the marker for id.
func ReferencesRequest(desc string, id RequestID) bool {
	return id != "" && strings.Contains(desc, RequestMarker(id))
}
