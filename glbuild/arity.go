package glbuild

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Arity is the component count of a GLSL floating point value:
// 1 for float and 2..4 for vec2..vec4.
type Arity uint8

// Valid reports whether a is in the range 1..4.
func (a Arity) Valid() bool { return a >= 1 && a <= 4 }

// Typename returns the GLSL type for the arity or the empty string if a is not valid.
func (a Arity) Typename() string {
	switch a {
	case 1:
		return "float"
	case 2:
		return "vec2"
	case 3:
		return "vec3"
	case 4:
		return "vec4"
	}
	return ""
}

func (a Arity) String() string {
	if !a.Valid() {
		return "Arity(" + strconv.Itoa(int(a)) + ")"
	}
	return a.Typename()
}

// Signature is the ordered, comma separated tuple of input arities of an expression, i.e: "3,1".
// Order is significant: "3,1" and "1,3" are distinct signatures.
type Signature string

// MakeSignature joins the arities in order into a [Signature].
func MakeSignature(arities ...Arity) Signature {
	return Signature(AppendSignature(nil, arities...))
}

// AppendSignature appends the signature of arities to b and returns the result.
func AppendSignature(b []byte, arities ...Arity) []byte {
	for i, a := range arities {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, uint64(a), 10)
	}
	return b
}

// Arities parses the signature back into its arities.
func (s Signature) Arities() ([]Arity, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(string(s), ",")
	arities := make([]Arity, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, err
		} else if !Arity(v).Valid() {
			return nil, errors.New("signature arity out of range 1..4: " + f)
		}
		arities[i] = Arity(v)
	}
	return arities, nil
}

// ArityRule infers the output arity of an expression from its input signature.
// It has exactly two forms, created by [FixedArity] and [ArityTable]. The zero value
// is a table with no entries and never resolves.
type ArityRule struct {
	fixed Arity
	table map[Signature]Arity
}

// FixedArity returns an ArityRule that always resolves to a regardless of inputs.
func FixedArity(a Arity) ArityRule {
	if !a.Valid() {
		panic("invalid fixed arity " + a.String())
	}
	return ArityRule{fixed: a}
}

// ArityTable returns an ArityRule that resolves by looking up the exact input signature in table.
// The table is copied. There is no implicit broadcasting or commutativity: a signature
// resolves only if it is present in the table.
func ArityTable(table map[Signature]Arity) ArityRule {
	cp := make(map[Signature]Arity, len(table))
	for k, v := range table {
		if !v.Valid() {
			panic("invalid arity in table for signature " + string(k))
		}
		cp[k] = v
	}
	return ArityRule{table: cp}
}

// IsFixed reports whether the rule ignores its inputs. When true Fixed returns the arity.
func (r ArityRule) IsFixed() bool { return r.fixed != 0 }

// Fixed returns the fixed arity of the rule or 0 if the rule is table based.
func (r ArityRule) Fixed() Arity { return r.fixed }

// Resolve returns the output arity for the input signature sig. ok is false if the table
// has no entry for sig.
func (r ArityRule) Resolve(sig Signature) (a Arity, ok bool) {
	if r.fixed != 0 {
		return r.fixed, true
	}
	a, ok = r.table[sig]
	return a, ok
}

// Signatures returns the sorted input signatures of a table rule. It returns nil for fixed rules.
func (r ArityRule) Signatures() []Signature {
	if len(r.table) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(r.table))
}

// ElementwiseUnary is the rule for componentwise functions of one argument: K -> K.
func ElementwiseUnary() ArityRule {
	return ArityTable(map[Signature]Arity{"1": 1, "2": 2, "3": 3, "4": 4})
}

// ElementwiseBinary is the rule for componentwise functions of two arguments where
// the second argument may be a scalar broadcast over the first: (K,K) -> K and (K,1) -> K.
// The reversed (1,K) order is deliberately absent.
func ElementwiseBinary() ArityRule {
	return ArityTable(map[Signature]Arity{
		"1,1": 1, "2,2": 2, "3,3": 3, "4,4": 4,
		"2,1": 2, "3,1": 3, "4,1": 4,
	})
}
