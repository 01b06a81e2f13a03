package tdf

import (
	"fmt"
	"strings"
)

// blobPreview caps how many blob bytes are printed.
const blobPreview = 32

// Render formats fields as indented, human-readable text for traffic logs.
func Render(fields []Field) string {
	var sb strings.Builder
	renderFields(&sb, fields, 0)
	return strings.TrimSuffix(sb.String(), "\n")
}

func renderFields(sb *strings.Builder, fields []Field, depth int) {
	for _, f := range fields {
		indent(sb, depth)
		sb.WriteString(f.Tag)
		sb.WriteString(": ")
		renderValue(sb, f.Value, depth)
		sb.WriteByte('\n')
	}
}

func renderValue(sb *strings.Builder, v Value, depth int) {
	switch v := v.(type) {
	case VarInt:
		sb.WriteString(v.String())
		if !v.Neg && v.Abs > 9 {
			fmt.Fprintf(sb, " (0x%x)", v.Abs)
		}
	case String:
		fmt.Fprintf(sb, "%q", string(v))
	case Blob:
		fmt.Fprintf(sb, "blob[%d]", len(v))
		if len(v) > 0 {
			preview := []byte(v)
			if len(preview) > blobPreview {
				preview = preview[:blobPreview]
			}
			fmt.Fprintf(sb, " % x", preview)
			if len(v) > blobPreview {
				sb.WriteString(" …")
			}
		}
	case Group:
		sb.WriteString("{\n")
		renderFields(sb, v.Fields, depth+1)
		indent(sb, depth)
		sb.WriteString("}")
	case List:
		fmt.Fprintf(sb, "list<%s>[%d] [", v.Elem, len(v.Items))
		if len(v.Items) == 0 {
			sb.WriteString("]")
			return
		}
		sb.WriteByte('\n')
		for _, item := range v.Items {
			indent(sb, depth+1)
			renderValue(sb, item, depth+1)
			sb.WriteByte('\n')
		}
		indent(sb, depth)
		sb.WriteString("]")
	case Map:
		fmt.Fprintf(sb, "map<%s,%s>[%d] {", v.Key, v.Elem, len(v.Entries))
		if len(v.Entries) == 0 {
			sb.WriteString("}")
			return
		}
		sb.WriteByte('\n')
		for _, e := range v.Entries {
			indent(sb, depth+1)
			renderValue(sb, e.Key, depth+1)
			sb.WriteString(" => ")
			renderValue(sb, e.Value, depth+1)
			sb.WriteByte('\n')
		}
		indent(sb, depth)
		sb.WriteString("}")
	case Union:
		if v.Kind == UnionUnset || v.Field == nil {
			sb.WriteString("union(unset)")
			return
		}
		fmt.Fprintf(sb, "union(%d) %s: ", v.Kind, v.Field.Tag)
		renderValue(sb, v.Field.Value, depth)
	case VarIntList:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = n.String()
		}
		fmt.Fprintf(sb, "[%s]", strings.Join(parts, ", "))
	case Pair:
		fmt.Fprintf(sb, "(%s, %s)", v[0], v[1])
	case Triple:
		fmt.Fprintf(sb, "(%s, %s, %s)", v[0], v[1], v[2])
	case Float:
		fmt.Fprintf(sb, "%g", float32(v))
	default:
		fmt.Fprintf(sb, "%v", v)
	}
}

func indent(sb *strings.Builder, depth int) {
	for range depth {
		sb.WriteString("  ")
	}
}
