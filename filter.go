package boltscope

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/pkg/errors"
)

// KeyRange is a half-open key interval [Lower, Upper). A nil bound is
// unbounded on that side.
type KeyRange struct {
	Lower []byte
	Upper []byte
}

// Contains reports whether key falls inside the range.
func (r KeyRange) Contains(key []byte) bool {
	if r.Lower != nil && bytes.Compare(key, r.Lower) < 0 {
		return false
	}
	return r.Upper == nil || bytes.Compare(key, r.Upper) < 0
}

// Empty reports whether no key can fall inside the range.
func (r KeyRange) Empty() bool {
	return r.Lower != nil && r.Upper != nil && bytes.Compare(r.Lower, r.Upper) >= 0
}

// Intersect narrows r to the keys also contained in o.
func (r KeyRange) Intersect(o KeyRange) KeyRange {
	if o.Lower != nil && (r.Lower == nil || bytes.Compare(o.Lower, r.Lower) > 0) {
		r.Lower = o.Lower
	}
	if o.Upper != nil && (r.Upper == nil || bytes.Compare(o.Upper, r.Upper) < 0) {
		r.Upper = o.Upper
	}
	return r
}

type filterExpr struct {
	Terms []*filterTerm `@@ ( "and" @@ )*`
}

type filterTerm struct {
	Field string       `@Ident`
	Op    string       `@( Op | "prefix" )`
	Value *filterValue `@@`
}

type filterValue struct {
	Hex *string `  @Hex`
	Str *string `| @String`
}

var filterLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Hex", Pattern: `[xX]'[0-9a-fA-F]*'`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Op", Pattern: `>=|<=|\^=|[<>=]`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var filterParser = participle.MustBuild[filterExpr](
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Ident"),
)

// ParseKeyRange parses a conjunction of key comparisons into the range of
// keys satisfying all of them. Supported forms:
//
//	key >= "a" and key < "m"
//	key = x'00ff'
//	key prefix "user/"      (also key ^= "user/")
func ParseKeyRange(expr string) (KeyRange, error) {
	parsed, err := filterParser.ParseString("", expr)
	if err != nil {
		return KeyRange{}, errors.Wrapf(err, "parse key filter %q", expr)
	}
	var r KeyRange
	for _, term := range parsed.Terms {
		if !strings.EqualFold(term.Field, "key") {
			return KeyRange{}, errors.Errorf("unsupported filter column %q, only key can be pushed down", term.Field)
		}
		v, err := term.Value.bytes()
		if err != nil {
			return KeyRange{}, err
		}
		r = r.Intersect(CompareRange(strings.ToLower(term.Op), v))
	}
	return r, nil
}

func (v *filterValue) bytes() ([]byte, error) {
	if v.Str != nil {
		return []byte(*v.Str), nil
	}
	lit := *v.Hex
	b, err := hex.DecodeString(lit[2 : len(lit)-1])
	if err != nil {
		return nil, errors.Wrapf(err, "hex literal %s", lit)
	}
	return b, nil
}

// CompareRange returns the keys k satisfying "k op v" for op one of =, <,
// <=, >, >=, and the keys starting with v for "prefix" or "^=".
func CompareRange(op string, v []byte) KeyRange {
	switch op {
	case ">=":
		return KeyRange{Lower: v}
	case ">":
		return KeyRange{Lower: successor(v)}
	case "<":
		return KeyRange{Upper: v}
	case "<=":
		return KeyRange{Upper: successor(v)}
	case "=":
		return KeyRange{Lower: v, Upper: successor(v)}
	}
	// prefix, ^=
	return KeyRange{Lower: v, Upper: prefixEnd(v)}
}

// successor returns the smallest key greater than k.
func successor(k []byte) []byte {
	s := make([]byte, len(k)+1)
	copy(s, k)
	return s
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
