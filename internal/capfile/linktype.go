package capfile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"
)

// DefaultSnaplen is written when the caller does not pick a snapshot length.
const DefaultSnaplen = 262144

var linkTypeNames = map[string]layers.LinkType{
	"null":        layers.LinkTypeNull,
	"ether":       layers.LinkTypeEthernet,
	"ethernet":    layers.LinkTypeEthernet,
	"tr":          layers.LinkTypeTokenRing,
	"ppp":         layers.LinkTypePPP,
	"fddi":        layers.LinkTypeFDDI,
	"rawip":       layers.LinkTypeRaw,
	"raw":         layers.LinkTypeRaw,
	"ieee-802-11": layers.LinkTypeIEEE802_11,
	"loop":        layers.LinkTypeLoop,
	"linux-sll":   layers.LinkTypeLinuxSLL,
}

// ParseLinkType accepts a short name such as "ether" or a numeric value.
func ParseLinkType(s string) (layers.LinkType, error) {
	if lt, ok := linkTypeNames[strings.ToLower(s)]; ok {
		return lt, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown link type %q", s)
	}
	return layers.LinkType(v), nil
}

// LinkTypeNames lists the short names ParseLinkType understands.
func LinkTypeNames() []string {
	names := make([]string, 0, len(linkTypeNames))
	for n := range linkTypeNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LinkTypeName returns a display name for lt.
func LinkTypeName(lt layers.LinkType) string {
	if !decodable(lt) {
		return fmt.Sprintf("LinkType(%d)", uint8(lt))
	}
	return lt.String()
}

// decodable reports whether gopacket has a decoder for lt.
func decodable(lt layers.LinkType) bool {
	name := lt.String()
	return name != "" && !strings.HasPrefix(name, "Unknown")
}

// knownLinkType reports whether lt is decodable or has a short name.
func knownLinkType(lt layers.LinkType) bool {
	if decodable(lt) {
		return true
	}
	for _, v := range linkTypeNames {
		if v == lt {
			return true
		}
	}
	return false
}
