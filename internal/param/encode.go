package param

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Default layouts used when no format attribute is given and the value is
// not an epoch-millisecond number.
const (
	defaultDateLayout      = "2006-01-02"
	defaultTimeLayout      = "15:04:05.000"
	defaultTimestampLayout = "2006-01-02 15:04:05.000"
)

var epochMillisPattern = regexp.MustCompile(`^-?\d{1,19}$`)

// Encoder converts parameters to driver values.
//
// Date and time values without an explicit zone are interpreted in Location.
type Encoder struct {
	Location *time.Location
}

// NewEncoder returns an encoder interpreting zoneless values in loc.
// A nil loc means time.Local.
func NewEncoder(loc *time.Location) *Encoder {
	if loc == nil {
		loc = time.Local
	}
	return &Encoder{Location: loc}
}

// Args parses attrs and encodes every parameter, in index order.
func (e *Encoder) Args(attrs map[string]string) ([]any, error) {
	params, err := Parse(attrs)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(params))
	for i, p := range params {
		v, err := e.Encode(p)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// Encode converts one parameter to its driver value.
func (e *Encoder) Encode(p Parameter) (any, error) {
	if p.Value == nil {
		return nil, nil
	}
	v := *p.Value

	invalid := func(err error) error {
		return &Error{Code: ErrCodeInvalidValue, Attr: p.ValueAttr(), Value: v, Err: err}
	}

	switch p.Type {
	case TypeBit:
		return v == "1" || strings.EqualFold(v, "t") || strings.EqualFold(v, "true"), nil

	case TypeBoolean:
		return strings.EqualFold(v, "true"), nil

	case TypeTinyInt, TypeSmallInt, TypeInteger, TypeBigInt:
		n, err := strconv.ParseInt(v, 10, intBits(p.Type))
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil

	case TypeReal:
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return nil, invalid(err)
		}
		return f, nil

	case TypeFloat, TypeDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, invalid(err)
		}
		return f, nil

	case TypeNumeric, TypeDecimal:
		d, _, err := apd.NewFromString(v)
		if err != nil {
			return nil, invalid(err)
		}
		// apd accepts NaN and Infinity, which no SQL decimal column can hold.
		if d.Form != apd.Finite {
			return nil, invalid(fmt.Errorf("%q is not a finite decimal", v))
		}
		return d.Text('f'), nil

	case TypeDate:
		t, err := e.parseTemporal(v, p.Format, defaultDateLayout)
		if err != nil {
			return nil, e.temporalError(p, v, err)
		}
		if p.Format != "" {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, e.Location)
		}
		return t, nil

	case TypeTime:
		t, err := e.parseTemporal(v, p.Format, defaultTimeLayout)
		if err != nil {
			return nil, e.temporalError(p, v, err)
		}
		if t.Year() == 0 {
			t = time.Date(1970, time.January, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
		}
		return t, nil

	case TypeTimestamp:
		t, err := e.parseTemporal(v, p.Format, defaultTimestampLayout)
		if err != nil {
			return nil, e.temporalError(p, v, err)
		}
		return t, nil

	case TypeBinary, TypeVarbinary, TypeLongVarbinary:
		return decodeBinary(p, v)

	default:
		// Character, CLOB and unknown types bind as text.
		return v, nil
	}
}

func intBits(code int) int {
	switch code {
	case TypeTinyInt:
		return 8
	case TypeSmallInt:
		return 16
	case TypeInteger:
		return 32
	}
	return 64
}

// parseTemporal handles the three temporal forms: epoch millis (when no
// format is given), the default layout, or an explicit named/custom format.
func (e *Encoder) parseTemporal(v, format, defaultLayout string) (time.Time, error) {
	if format == "" {
		if epochMillisPattern.MatchString(v) {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return time.Time{}, err
			}
			return time.UnixMilli(ms).In(e.Location), nil
		}
		return time.ParseInLocation(defaultLayout, v, e.Location)
	}

	if format == isoWeekDate {
		return parseWeekDate(v, e.Location)
	}

	layouts, err := Layouts(format)
	if err != nil {
		return time.Time{}, err
	}
	v = stripZoneID(v)
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, v, e.Location)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func (e *Encoder) temporalError(p Parameter, v string, err error) error {
	var fe *formatError
	if asFormatError(err, &fe) {
		return &Error{Code: ErrCodeInvalidFormat, Attr: formatAttr(p.Index), Value: p.Format, Err: err}
	}
	return &Error{Code: ErrCodeInvalidValue, Attr: p.ValueAttr(), Value: v, Err: err}
}

func decodeBinary(p Parameter, v string) ([]byte, error) {
	switch p.Format {
	case "", "ascii":
		b := make([]byte, 0, len(v))
		for _, r := range v {
			if r > 0x7f {
				r = '?'
			}
			b = append(b, byte(r))
		}
		return b, nil
	case "hex":
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidValue, Attr: p.ValueAttr(), Value: v, Err: err}
		}
		return b, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, &Error{Code: ErrCodeInvalidValue, Attr: p.ValueAttr(), Value: v, Err: err}
		}
		return b, nil
	default:
		return nil, &Error{
			Code:  ErrCodeInvalidFormat,
			Attr:  formatAttr(p.Index),
			Value: p.Format,
			Err:   fmt.Errorf("binary formats are ascii, hex and base64"),
		}
	}
}
