package buildlog

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

const manifestLead = "Target filenames:"

// OutputFile mirrors the fields cargo prints for each planned output.
type OutputFile struct {
	Path       string
	Hardlink   string // empty when None
	ExportPath string // empty when None
	Flavor     string
}

// ParseManifest parses one compilation-files line, e.g.
//
//	[... DEBUG cargo::core::compiler::context::compilation_files] Target filenames: [OutputFile { path: "...", hardlink: Some("..."), export_path: None, flavor: Normal }]
func ParseManifest(line string) ([]OutputFile, error) {
	line = StripANSI(line)
	i := strings.Index(line, manifestLead)
	if i < 0 {
		return nil, malformed("missing %q", manifestLead)
	}
	d := &debugParser{src: line[i+len(manifestLead):]}
	v, err := d.parseValue()
	if err != nil {
		return nil, err
	}
	d.skipSpace()
	if d.pos != len(d.src) {
		return nil, malformed("trailing input at offset %d: %q", d.pos, d.rest(20))
	}
	if v.kind != kindList {
		return nil, malformed("manifest payload is not a list")
	}

	files := make([]OutputFile, 0, len(v.items))
	for _, item := range v.items {
		if item.kind != kindStruct || item.name != "OutputFile" {
			return nil, malformed("unexpected manifest entry %q", item.name)
		}
		path, err := item.field("path").str()
		if err != nil {
			return nil, err
		}
		hardlink, err := item.field("hardlink").optionalStr()
		if err != nil {
			return nil, err
		}
		export, err := item.field("export_path").optionalStr()
		if err != nil {
			return nil, err
		}
		files = append(files, OutputFile{
			Path:       path,
			Hardlink:   hardlink,
			ExportPath: export,
			Flavor:     item.field("flavor").name,
		})
	}
	return files, nil
}

type valueKind int

const (
	kindMissing valueKind = iota
	kindString
	kindIdent
	kindTuple
	kindStruct
	kindList
)

// value is a node of Rust's Debug output: "str", Ident, Ident(v, ...),
// Ident { k: v, ... } or [v, ...].
type value struct {
	kind   valueKind
	name   string
	s      string
	items  []value
	fields map[string]value
}

func (v value) field(name string) value {
	return v.fields[name]
}

func (v value) str() (string, error) {
	if v.kind != kindString {
		return "", malformed("expected a string")
	}
	return v.s, nil
}

// optionalStr decodes Some("...") or None.
func (v value) optionalStr() (string, error) {
	switch {
	case v.kind == kindIdent && v.name == "None":
		return "", nil
	case v.kind == kindTuple && v.name == "Some" && len(v.items) == 1:
		return v.items[0].str()
	}
	return "", malformed("expected Some(\"...\") or None")
}

type debugParser struct {
	src string
	pos int
}

func (d *debugParser) rest(n int) string {
	end := d.pos + n
	if end > len(d.src) {
		end = len(d.src)
	}
	return d.src[d.pos:end]
}

func (d *debugParser) skipSpace() {
	for d.pos < len(d.src) && (d.src[d.pos] == ' ' || d.src[d.pos] == '\t' || d.src[d.pos] == '\n' || d.src[d.pos] == '\r') {
		d.pos++
	}
}

func (d *debugParser) peek() byte {
	d.skipSpace()
	if d.pos >= len(d.src) {
		return 0
	}
	return d.src[d.pos]
}

func (d *debugParser) expect(c byte) error {
	if d.peek() != c {
		return malformed("expected %q at offset %d, found %q", c, d.pos, d.rest(20))
	}
	d.pos++
	return nil
}

func (d *debugParser) parseValue() (value, error) {
	switch c := d.peek(); {
	case c == '"':
		s, err := d.parseString()
		return value{kind: kindString, s: s}, err
	case c == '[':
		d.pos++
		items, err := d.parseSeq(']')
		return value{kind: kindList, items: items}, err
	case c == '_' || isIdentStart(c):
		return d.parseNamed()
	case c == 0:
		return value{}, malformed("unexpected end of input")
	default:
		return value{}, malformed("unexpected %q at offset %d", c, d.pos)
	}
}

func isIdentStart(c byte) bool {
	return c < utf8.RuneSelf && unicode.IsLetter(rune(c))
}

func isIdentChar(c byte) bool {
	return c == '_' || (c < utf8.RuneSelf && (unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))))
}

func (d *debugParser) parseIdent() string {
	d.skipSpace()
	start := d.pos
	for d.pos < len(d.src) && isIdentChar(d.src[d.pos]) {
		d.pos++
	}
	return d.src[start:d.pos]
}

func (d *debugParser) parseNamed() (value, error) {
	name := d.parseIdent()
	switch d.peek() {
	case '(':
		d.pos++
		items, err := d.parseSeq(')')
		return value{kind: kindTuple, name: name, items: items}, err
	case '{':
		d.pos++
		fields, err := d.parseFields()
		return value{kind: kindStruct, name: name, fields: fields}, err
	}
	return value{kind: kindIdent, name: name}, nil
}

// parseSeq parses comma-separated values up to the closing delimiter,
// allowing a trailing comma.
func (d *debugParser) parseSeq(closer byte) ([]value, error) {
	var items []value
	for {
		if d.peek() == closer {
			d.pos++
			return items, nil
		}
		v, err := d.parseValue()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		if d.peek() == ',' {
			d.pos++
			continue
		}
		if err := d.expect(closer); err != nil {
			return nil, err
		}
		return items, nil
	}
}

func (d *debugParser) parseFields() (map[string]value, error) {
	fields := make(map[string]value)
	for {
		if d.peek() == '}' {
			d.pos++
			return fields, nil
		}
		key := d.parseIdent()
		if key == "" {
			return nil, malformed("expected field name at offset %d", d.pos)
		}
		if err := d.expect(':'); err != nil {
			return nil, err
		}
		v, err := d.parseValue()
		if err != nil {
			return nil, err
		}
		fields[key] = v
		if d.peek() == ',' {
			d.pos++
			continue
		}
		if err := d.expect('}'); err != nil {
			return nil, err
		}
		return fields, nil
	}
}

// parseString decodes a Debug-escaped string literal.
func (d *debugParser) parseString() (string, error) {
	if err := d.expect('"'); err != nil {
		return "", err
	}
	var b strings.Builder
	for d.pos < len(d.src) {
		c := d.src[d.pos]
		switch c {
		case '"':
			d.pos++
			return b.String(), nil
		case '\\':
			if d.pos+1 >= len(d.src) {
				return "", malformed("unterminated escape")
			}
			esc := d.src[d.pos+1]
			d.pos += 2
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '0':
				b.WriteByte(0)
			case '\\', '"', '\'':
				b.WriteByte(esc)
			case 'u':
				r, err := d.parseUnicodeEscape()
				if err != nil {
					return "", err
				}
				b.WriteRune(r)
			default:
				return "", malformed("unknown escape \\%c", esc)
			}
		default:
			b.WriteByte(c)
			d.pos++
		}
	}
	return "", malformed("unterminated string")
}

// parseUnicodeEscape decodes the "{XXXX}" part of "\u{XXXX}".
func (d *debugParser) parseUnicodeEscape() (rune, error) {
	if d.pos >= len(d.src) || d.src[d.pos] != '{' {
		return 0, malformed("bad unicode escape")
	}
	end := strings.IndexByte(d.src[d.pos:], '}')
	if end < 0 {
		return 0, malformed("bad unicode escape")
	}
	n, err := strconv.ParseUint(d.src[d.pos+1:d.pos+end], 16, 32)
	if err != nil {
		return 0, malformed("bad unicode escape: %v", err)
	}
	d.pos += end + 1
	return rune(n), nil
}
