package b2

import "strings"

// Capabilities is a bitmask of application-key capabilities.
type Capabilities uint

const (
	CapListKeys Capabilities = 1 << iota
	CapWriteKeys
	CapDeleteKeys
	CapListBuckets
	CapWriteBuckets
	CapDeleteBuckets
	CapListFiles
	CapReadFiles
	CapShareFiles
	CapWriteFiles
	CapDeleteFiles
)

var captable = []struct {
	cap  Capabilities
	name string
}{
	{CapListKeys, "listKeys"},
	{CapWriteKeys, "writeKeys"},
	{CapDeleteKeys, "deleteKeys"},
	{CapListBuckets, "listBuckets"},
	{CapWriteBuckets, "writeBuckets"},
	{CapDeleteBuckets, "deleteBuckets"},
	{CapListFiles, "listFiles"},
	{CapReadFiles, "readFiles"},
	{CapShareFiles, "shareFiles"},
	{CapWriteFiles, "writeFiles"},
	{CapDeleteFiles, "deleteFiles"},
}

var str2cap = func() map[string]Capabilities {
	m := make(map[string]Capabilities, len(captable))
	for _, e := range captable {
		m[e.name] = e.cap
	}
	return m
}()

// ParseCapabilities maps the capability strings from an authorize response
// onto the bitmask. Unrecognized strings are ignored; B2 adds capabilities
// over time.
func ParseCapabilities(names []string) Capabilities {
	var c Capabilities
	for _, n := range names {
		c |= str2cap[n]
	}
	return c
}

// String renders the set as a comma-separated list, e.g.
// "readFiles,writeFiles".
func (c Capabilities) String() string {
	if c == 0 {
		return "(unknown)"
	}
	var names []string
	for _, e := range captable {
		if c&e.cap != 0 {
			names = append(names, e.name)
		}
	}
	return strings.Join(names, ",")
}
