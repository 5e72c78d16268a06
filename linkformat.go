package lwm2mcore

import (
	"fmt"
	"strconv"
	"strings"
)

// LinkAttributes is the subset of CoRE Link Format attributes LwM2M
// Discover/Register responses carry per link: object version, minimum/
// maximum notification period and the numeric thresholds, plus the
// content-dimension marker.
type LinkAttributes struct {
	Version string
	Dim     int
	Attrs   Attributes
}

// EncodeLinks renders paths (and their optional attributes) as an
// application/link-format document, e.g. "</1/0>;ver=1.1,</3/0>".
func EncodeLinks(paths []Path, attrs map[Path]LinkAttributes) []byte {
	var b strings.Builder
	for i, p := range paths {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('<')
		b.WriteString(p.String())
		b.WriteByte('>')
		la, ok := attrs[p]
		if !ok {
			continue
		}
		if la.Version != "" {
			fmt.Fprintf(&b, ";ver=%s", la.Version)
		}
		if la.Dim > 0 {
			fmt.Fprintf(&b, ";dim=%d", la.Dim)
		}
		writeNumAttr(&b, "pmin", la.Attrs.PMin, la.Attrs.HasPMin)
		writeNumAttr(&b, "pmax", la.Attrs.PMax, la.Attrs.HasPMax)
		writeFloatAttr(&b, "gt", la.Attrs.GT, la.Attrs.HasGT)
		writeFloatAttr(&b, "lt", la.Attrs.LT, la.Attrs.HasLT)
		writeFloatAttr(&b, "st", la.Attrs.ST, la.Attrs.HasST)
	}
	return []byte(b.String())
}

func writeNumAttr(b *strings.Builder, key string, v int, has bool) {
	if !has {
		return
	}
	fmt.Fprintf(b, ";%s=%d", key, v)
}

func writeFloatAttr(b *strings.Builder, key string, v float64, has bool) {
	if !has {
		return
	}
	fmt.Fprintf(b, ";%s=%s", key, strconv.FormatFloat(v, 'g', -1, 64))
}

// DecodeLinks parses an application/link-format document into its paths,
// ignoring (not validating) any link-extension attributes - LinkFormat is
// only ever decoded client-side here, from a bootstrap server's discovery
// response, where attributes are informational.
func DecodeLinks(data []byte) ([]Path, error) {
	var out []Path
	for _, link := range strings.Split(string(data), ",") {
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}
		parts := strings.SplitN(link, ";", 2)
		target := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(target, "<") {
			return nil, fmt.Errorf("lwm2mcore: malformed link-format entry %q", link)
		}
		target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")
		p, err := ParsePath(target)
		if err != nil {
			return nil, fmt.Errorf("lwm2mcore: link-format target %q: %w", target, err)
		}
		out = append(out, p)
	}
	return out, nil
}
