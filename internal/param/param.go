// Package param maps a unit's sql.args.* attributes onto native driver values.
//
// Each parameter N is described by up to three attributes:
//
//	sql.args.N.type    store type code (JDBC numbering), required
//	sql.args.N.value   string value; absent means NULL
//	sql.args.N.format  optional date/time pattern or binary encoding
//
// Parameters are 1-based and must be contiguous. The encoder turns each one
// into a value accepted by database/sql (int64, float64, bool, string, []byte,
// time.Time or nil).
package param

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Store type codes, numbered as java.sql.Types so upstream producers can keep
// emitting the same attribute values.
const (
	TypeBit           = -7
	TypeTinyInt       = -6
	TypeSmallInt      = 5
	TypeInteger       = 4
	TypeBigInt        = -5
	TypeFloat         = 6
	TypeReal          = 7
	TypeDouble        = 8
	TypeNumeric       = 2
	TypeDecimal       = 3
	TypeChar          = 1
	TypeVarchar       = 12
	TypeLongVarchar   = -1
	TypeDate          = 91
	TypeTime          = 92
	TypeTimestamp     = 93
	TypeBinary        = -2
	TypeVarbinary     = -3
	TypeLongVarbinary = -4
	TypeNull          = 0
	TypeBoolean       = 16
	TypeNChar         = -15
	TypeNVarchar      = -9
	TypeLongNVarchar  = -16
	TypeClob          = 2005
	TypeNClob         = 2011
)

var (
	typeAttrPattern = regexp.MustCompile(`^sql\.args\.(\d+)\.type$`)
	numberPattern   = regexp.MustCompile(`^-?\d+$`)
)

// Parameter is one positional statement argument as described by attributes.
type Parameter struct {
	Index  int     // 1-based position
	Type   int     // store type code
	Value  *string // nil binds NULL
	Format string  // "" when not supplied
}

// IsNull reports whether the parameter binds NULL.
func (p Parameter) IsNull() bool {
	return p.Value == nil
}

// ValueAttr is the name of the attribute carrying this parameter's value.
func (p Parameter) ValueAttr() string {
	return valueAttr(p.Index)
}

func typeAttr(i int) string   { return "sql.args." + strconv.Itoa(i) + ".type" }
func valueAttr(i int) string  { return "sql.args." + strconv.Itoa(i) + ".value" }
func formatAttr(i int) string { return "sql.args." + strconv.Itoa(i) + ".format" }

// ErrorCode categorizes parameter errors.
type ErrorCode string

const (
	// ErrCodeInvalidType means sql.args.N.type is not an integer.
	ErrCodeInvalidType ErrorCode = "INVALID_TYPE"
	// ErrCodeInvalidIndex means parameter indices are zero or not contiguous.
	ErrCodeInvalidIndex ErrorCode = "INVALID_INDEX"
	// ErrCodeInvalidValue means the value cannot be converted to the declared type.
	ErrCodeInvalidValue ErrorCode = "INVALID_VALUE"
	// ErrCodeInvalidFormat means the format attribute is not understood.
	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
)

// Error describes a malformed parameter attribute. It is never retryable.
type Error struct {
	Code  ErrorCode
	Attr  string
	Value string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: the value of %s is '%s'", e.Code, e.Attr, e.Value)
	switch e.Code {
	case ErrCodeInvalidType:
		msg += ", which is not a valid type code"
	case ErrCodeInvalidValue:
		msg += ", which cannot be converted into the necessary data type"
	case ErrCodeInvalidFormat:
		msg += ", which is not a supported format"
	case ErrCodeInvalidIndex:
		msg += ", parameters must be numbered contiguously from 1"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsParamError reports whether err is (or wraps) a parameter Error.
func IsParamError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// Parse collects the parameters described by attrs, ordered by index.
//
// Returns an Error if any type code is non-numeric, an index is zero, or the
// indices are not contiguous from 1.
func Parse(attrs map[string]string) ([]Parameter, error) {
	var params []Parameter
	for key, raw := range attrs {
		m := typeAttrPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 {
			return nil, &Error{Code: ErrCodeInvalidIndex, Attr: key, Value: m[1]}
		}
		if !numberPattern.MatchString(raw) {
			return nil, &Error{Code: ErrCodeInvalidType, Attr: key, Value: raw}
		}
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidType, Attr: key, Value: raw, Err: err}
		}

		p := Parameter{Index: idx, Type: code, Format: attrs[formatAttr(idx)]}
		if v, ok := attrs[valueAttr(idx)]; ok {
			p.Value = &v
		}
		params = append(params, p)
	}

	sort.Slice(params, func(i, j int) bool { return params[i].Index < params[j].Index })
	for i, p := range params {
		if p.Index != i+1 {
			return nil, &Error{Code: ErrCodeInvalidIndex, Attr: typeAttr(i + 1), Value: ""}
		}
	}
	return params, nil
}
