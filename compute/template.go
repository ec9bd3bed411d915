package compute

import (
	"fmt"
	"strings"

	"github.com/gridbase/compute/formula"
)

// Templates are literal text with {field.path} placeholders. Doubled braces
// ({{ and }}) produce literal braces. Placeholders resolve against the
// binding context and coerce to canonical string form; a missing field
// renders as the empty string.

type templateSegment struct {
	literal bool
	text    string   // literal text
	path    []string // placeholder field path
}

func parseTemplate(src string) ([]templateSegment, error) {
	var segs []templateSegment
	var lit strings.Builder
	for i := 0; i < len(src); {
		c := src[i]
		switch c {
		case '{':
			if i+1 < len(src) && src[i+1] == '{' {
				lit.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed placeholder at position %d", i)
			}
			name := strings.TrimSpace(src[i+1 : i+1+end])
			if name == "" {
				return nil, fmt.Errorf("empty placeholder at position %d", i)
			}
			if lit.Len() > 0 {
				segs = append(segs, templateSegment{literal: true, text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, templateSegment{path: strings.Split(name, ".")})
			i += end + 2
		case '}':
			if i+1 < len(src) && src[i+1] == '}' {
				lit.WriteByte('}')
				i += 2
				continue
			}
			return nil, fmt.Errorf("unmatched '}' at position %d", i)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	if lit.Len() > 0 {
		segs = append(segs, templateSegment{literal: true, text: lit.String()})
	}
	return segs, nil
}

func expandTemplate(segs []templateSegment, binding map[string]any) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.literal {
			b.WriteString(seg.text)
			continue
		}
		v := formula.Resolve(binding, seg.path)
		if v == nil {
			continue
		}
		b.WriteString(formula.Str(v))
	}
	return b.String()
}
