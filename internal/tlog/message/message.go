// Package message reconstructs a tracev3 log message by walking its format
// string's printf directives against the tracepoint's decoded log-data
// items, including Apple's custom specifier extensions (spec §4.10).
package message

import (
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/arjunv/unifiedlog/internal/tlog/binreader"
	"github.com/arjunv/unifiedlog/internal/tlog/logdata"
)

// specifierRe matches one printf-style directive, with Apple's optional
// `{custom specifier}` group, flags/width/precision, length modifiers, and
// the base conversion character (spec §4.10).
var specifierRe = regexp.MustCompile(`%(\{[^}]{1,128}\})?([0-9. *\-+#']{0,6})([hljztLq]{0,2})([@dDiuUxXoOfeEgGcCsSpaAFP])`)

const percentMarker = "\x00__PERCENT__\x00"

// Reconstruct walks formatStr, consuming one log-data item per directive
// match, and returns the assembled UTF-8 message (spec §4.10).
func Reconstruct(formatStr string, items []logdata.Item) string {
	masked := strings.ReplaceAll(formatStr, "%%", percentMarker)

	var out strings.Builder
	consumed := 0
	index := 0

	matches := specifierRe.FindAllStringSubmatchIndex(masked, -1)
	for _, m := range matches {
		start, end := m[0], m[1]
		out.WriteString(unmask(masked[consumed:start]))
		consumed = end

		if index >= len(items) {
			out.WriteString("<decode: missing data>")
			continue
		}
		custom := submatch(masked, m, 2)
		flagsWidthPrecision := strings.ReplaceAll(submatch(masked, m, 4), "'", "")
		specifier := submatch(masked, m, 8)

		item := items[index]
		index++

		out.WriteString(render(specifier, custom, flagsWidthPrecision, item))
	}
	out.WriteString(unmask(masked[consumed:]))
	return out.String()
}

func submatch(s string, m []int, groupStartIdx int) string {
	lo, hi := m[groupStartIdx], m[groupStartIdx+1]
	if lo < 0 || hi < 0 {
		return ""
	}
	return s[lo:hi]
}

func unmask(s string) string {
	return strings.ReplaceAll(s, percentMarker, "%")
}

func trimCustom(custom string) string {
	return strings.Trim(custom, "{}")
}

func render(specifier, custom, flagsWidthPrecision string, item logdata.Item) string {
	custom = trimCustom(custom)

	switch specifier {
	case "d", "D", "i", "u", "U", "x", "X", "o", "O":
		return renderInteger(specifier, flagsWidthPrecision, item)
	case "f", "e", "E", "g", "G", "a", "A", "F":
		return renderFloat(specifier, flagsWidthPrecision, item)
	case "c", "C", "s", "S":
		return renderString(flagsWidthPrecision, item)
	case "p":
		return renderPointer(flagsWidthPrecision, item)
	case "@":
		if custom != "" {
			return renderCustom(custom, item)
		}
		return renderString(flagsWidthPrecision, item)
	case "P":
		return renderCustom(custom, item)
	default:
		return "%" + flagsWidthPrecision + specifier
	}
}

func renderInteger(specifier, flagsWidthPrecision string, item logdata.Item) string {
	if item.Size == 0 {
		if item.Type&0x1 != 0 {
			return "<private>"
		}
		return ""
	}
	signed := specifier == "d" || specifier == "D" || specifier == "i"
	var number int64
	switch item.Size {
	case 1:
		if signed {
			number = int64(int8(item.Data[0]))
		} else {
			number = int64(item.Data[0])
		}
	case 4:
		v := binreader.LE32(item.Data)
		if signed {
			number = int64(int32(v))
		} else {
			number = int64(v)
		}
	case 8:
		v := binreader.LE64(item.Data)
		if signed {
			number = int64(v)
		} else {
			return fmt.Sprintf("%"+cSpec(flagsWidthPrecision, "d")+"d", v)
		}
	default:
		return fmt.Sprintf("<decode: bad integer size %d>", item.Size)
	}
	verb := map[string]string{"d": "d", "D": "d", "i": "d", "u": "d", "U": "d", "x": "x", "X": "X", "o": "o", "O": "o"}[specifier]
	return fmt.Sprintf("%"+cSpec(flagsWidthPrecision, verb)+verb, number)
}

func renderFloat(specifier, flagsWidthPrecision string, item logdata.Item) string {
	if item.Size == 0 {
		if item.Type&0x1 != 0 {
			return "<private>"
		}
		return ""
	}
	var number float64
	switch item.Size {
	case 4:
		number = float64(binreader.LEFloat32(item.Data))
	case 8:
		number = binreader.LEFloat64(item.Data)
	default:
		return fmt.Sprintf("<decode: bad float size %d>", item.Size)
	}
	verb := specifier
	if verb == "a" || verb == "A" || verb == "F" {
		verb = "g"
	}
	return fmt.Sprintf("%"+cSpec(flagsWidthPrecision, verb)+verb, number)
}

func renderString(flagsWidthPrecision string, item logdata.Item) string {
	if item.Size == 0 {
		if item.Type == 0x40 {
			return "(null)"
		}
		if item.Type&0x1 != 0 {
			return "<private>"
		}
		return ""
	}
	text := strings.TrimRight(string(item.Data), "\x00")
	if !isValidUTF8(item.Data) {
		return fmt.Sprintf("%x", item.Data)
	}
	if strings.Contains(flagsWidthPrecision, "*") {
		return text
	}
	return fmt.Sprintf("%"+cSpec(flagsWidthPrecision, "s")+"s", text)
}

func renderPointer(flagsWidthPrecision string, item logdata.Item) string {
	if item.Size == 0 {
		if item.Type&0x1 != 0 {
			return "<private>"
		}
		return ""
	}
	var number uint64
	switch item.Size {
	case 4:
		number = uint64(binreader.LE32(item.Data))
	case 8:
		number = binreader.LE64(item.Data)
	default:
		return fmt.Sprintf("<decode: bad pointer size %d>", item.Size)
	}
	return "0x" + fmt.Sprintf("%"+cSpec(flagsWidthPrecision, "x")+"x", number)
}

func renderCustom(custom string, item logdata.Item) string {
	if item.Size == 0 {
		if item.Type&0x1 != 0 {
			return "<private>"
		}
		return ""
	}
	switch {
	case strings.Contains(custom, "uuid_t"):
		u, err := uuid.FromBytes(item.Data)
		if err != nil {
			return "<decode: bad uuid>"
		}
		return strings.ToUpper(u.String())

	case strings.Contains(custom, "odtypes:mbr_details"):
		return renderMBRDetails(item.Data)

	case strings.Contains(custom, "odtypes:nt_sid_t"):
		sid, _, err := binreader.NTSIDAt(item.Data, 0)
		if err != nil {
			return "<decode: bad nt_sid>"
		}
		return sid

	case strings.Contains(custom, "location:SqliteResult"):
		if len(item.Data) < 4 {
			return "<decode: bad sqlite result>"
		}
		return sqliteResultName(binreader.LE32(item.Data))

	case strings.Contains(custom, "network:sockaddr"):
		return renderSockaddr(item.Data)

	case strings.Contains(custom, "_CLClientManagerStateTrackerState"):
		return renderCLClientState(item.Data)

	case strings.Contains(custom, "mask.hash"):
		return fmt.Sprintf("< mask.hash: '%s' >", base64.StdEncoding.EncodeToString(item.Data))

	case strings.Contains(custom, "signpost.telemetry:string1"):
		return renderString("", item)

	default:
		return renderString("", item)
	}
}

func renderMBRDetails(data []byte) string {
	if len(data) < 1 {
		return "<decode: bad mbr_details>"
	}
	switch data[0] {
	case 0x44:
		group, n, err := binreader.NTSIDAt(data, 1)
		if err != nil {
			return "<decode: bad mbr_details>"
		}
		domain, _ := binreader.CStringAt(data, 1+n)
		return fmt.Sprintf("group: %s@%s", group, domain)
	case 0x23:
		if len(data) < 5 {
			return "<decode: bad mbr_details>"
		}
		uid := binreader.LE32(data[1:5])
		domain, _ := binreader.CStringAt(data, 5)
		return fmt.Sprintf("user: %d@%s", uid, domain)
	default:
		return "<decode: unknown mbr_details>"
	}
}

func sqliteResultName(code uint32) string {
	names := []string{
		"SQLITE_OK", "SQLITE_ERROR", "SQLITE_INTERNAL", "SQLITE_PERM", "SQLITE_ABORT",
		"SQLITE_BUSY", "SQLITE_LOCKED", "SQLITE_NOMEM", "SQLITE_READONLY", "SQLITE_INTERRUPT",
		"SQLITE_IOERR", "SQLITE_CORRUPT", "SQLITE_NOTFOUND", "SQLITE_FULL", "SQLITE_CANTOPEN",
		"SQLITE_PROTOCOL", "SQLITE_EMPTY", "SQLITE_SCHEMA", "SQLITE_TOOBIG", "SQLITE_CONSTRAINT",
		"SQLITE_MISMATCH", "SQLITE_MISUSE", "SQLITE_NOLFS", "SQLITE_AUTH", "SQLITE_FORMAT",
		"SQLITE_RANGE", "SQLITE_NOTADB", "SQLITE_NOTICE", "SQLITE_WARNING",
	}
	if int(code) < len(names) {
		return names[code]
	}
	switch code {
	case 100:
		return "SQLITE_ROW"
	case 101:
		return "SQLITE_DONE"
	default:
		return fmt.Sprintf("%d - unknown sqlite result code", code)
	}
}

func renderSockaddr(data []byte) string {
	if len(data) < 2 {
		return "<decode: bad sockaddr>"
	}
	size, family := data[0], data[1]
	switch family {
	case 0x1E: // AF_INET6
		if len(data) < 24 {
			return "<decode: bad sockaddr>"
		}
		ip := net.IP(data[8:24])
		return ip.String()
	case 0x02: // AF_INET
		if len(data) < 8 {
			return "<decode: bad sockaddr>"
		}
		ip := net.IPv4(data[4], data[5], data[6], data[7])
		return ip.String()
	default:
		if size == 0 {
			return ""
		}
		return fmt.Sprintf("<decode: unknown sockaddr family 0x%x>", family)
	}
}

func renderCLClientState(data []byte) string {
	if len(data) < 8 {
		return "<decode: bad CLClientManagerStateTrackerState>"
	}
	enabled := int32(binreader.LE32(data[0:4]))
	restricted := binreader.LE32(data[4:8]) != 0
	return fmt.Sprintf("{locationServicesEnabledStatus: %d, locationRestricted: %t}", enabled, restricted)
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// cSpec rewrites the extracted flags/width/precision substring plus a base
// verb into a Go fmt verb suffix, stripping the `'` thousands flag (spec
// §4.10: "stripped before formatting because not all targets support it")
// and any leftover `*` that Go's fmt cannot apply without a companion arg.
func cSpec(flagsWidthPrecision, _ string) string {
	return strings.ReplaceAll(strings.ReplaceAll(flagsWidthPrecision, "'", ""), "*", "")
}
