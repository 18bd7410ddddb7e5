package binmap

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// flagBits are the level-2 quality flag positions, bit 0 first.
var flagBits = map[string]uint{
	"ATMFAIL":    0,
	"LAND":       1,
	"PRODWARN":   2,
	"HIGLINT":    3,
	"HILT":       4,
	"HISATZEN":   5,
	"COASTZ":     6,
	"STRAYLIGHT": 8,
	"CLDICE":     9,
	"COCCOLITH":  10,
	"TURBIDW":    11,
	"HISOLZEN":   12,
	"LOWLW":      14,
	"CHLFAIL":    15,
	"NAVWARN":    16,
	"ABSAER":     17,
	"MAXAERITER": 19,
	"MODGLINT":   20,
	"CHLWARN":    21,
	"ATMWARN":    22,
	"SEAICE":     24,
	"NAVFAIL":    25,
	"FILTER":     26,
	"BOWTIEDEL":  28,
	"HIPOL":      29,
	"PRODFAIL":   30,
}

// FlagBit returns the bit position of a named flag.
func FlagBit(name string) (uint, bool) {
	b, ok := flagBits[strings.ToUpper(strings.TrimSpace(name))]
	return b, ok
}

// FlagNames lists the named flags set in mask, lowest bit first. Unnamed
// set bits are reported as "BIT<n>".
func FlagNames(mask uint32) []string {
	byBit := make(map[uint]string, len(flagBits))
	for name, b := range flagBits {
		byBit[b] = name
	}
	var out []string
	for mask != 0 {
		b := uint(bits.TrailingZeros32(mask))
		mask &^= 1 << b
		if name, ok := byBit[b]; ok {
			out = append(out, name)
		} else {
			out = append(out, "BIT"+strconv.Itoa(int(b)))
		}
	}
	return out
}

// ParseFlagMask accepts a number ("0x669D73B", "1024") or a comma separated
// list of flag names ("LAND,CLDICE,HIGLINT").
func ParseFlagMask(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(n), nil
	}
	var mask uint32
	for _, name := range strings.Split(s, ",") {
		b, ok := FlagBit(name)
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", strings.TrimSpace(name))
		}
		mask |= 1 << b
	}
	return mask, nil
}
