package render

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/JohnnyGlynn/firehose/internal/firehose"
)

// maxDepth bounds how deep nested messages are expanded.
const maxDepth = 16

// rawRenderer prints the protobuf wire structure of a record without a
// schema: "1:150 2:\"text\" 3:{1:1} 4:0x0000000a".
type rawRenderer struct{}

func (rawRenderer) Render(record firehose.Record) (string, error) {
	if len(record) == 0 {
		return "{}", nil
	}

	var b strings.Builder
	if err := writeFields(&b, record, 0); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeFields(b *strings.Builder, data []byte, depth int) error {
	first := true
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if !first {
			b.WriteByte(' ')
		}
		first = false
		b.WriteString(strconv.FormatInt(int64(num), 10))

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			fmt.Fprintf(b, ":%d", v)
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			fmt.Fprintf(b, ":0x%08x", v)
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			fmt.Fprintf(b, ":0x%016x", v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			writeBytes(b, v, depth)
		case protowire.StartGroupType:
			v, n := protowire.ConsumeGroup(num, data)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if depth >= maxDepth {
				fmt.Fprintf(b, ":0x%x", v)
				continue
			}
			b.WriteString(":{")
			if err := writeFields(b, v, depth+1); err != nil {
				return err
			}
			b.WriteByte('}')
		default:
			return fmt.Errorf("field %d: unexpected wire type %d", num, typ)
		}
	}
	return nil
}

// writeBytes picks between text, a nested message and hex, in that order.
func writeBytes(b *strings.Builder, v []byte, depth int) {
	switch {
	case isText(v):
		b.WriteByte(':')
		b.WriteString(strconv.Quote(string(v)))
	case depth < maxDepth && isMessage(v):
		b.WriteString(":{")
		// isMessage already walked v, so this cannot fail.
		_ = writeFields(b, v, depth+1)
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, ":0x%x", v)
	}
}

func isText(v []byte) bool {
	if !utf8.Valid(v) {
		return false
	}
	for _, r := range string(v) {
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}

func isMessage(v []byte) bool {
	if len(v) == 0 {
		return false
	}
	for len(v) > 0 {
		_, _, n := protowire.ConsumeField(v)
		if n < 0 {
			return false
		}
		v = v[n:]
	}
	return true
}
