package param

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestParse_OrdersByIndex(t *testing.T) {
	attrs := map[string]string{
		"sql.args.2.type":   "12",
		"sql.args.2.value":  "hello",
		"sql.args.1.type":   "4",
		"sql.args.1.value":  "42",
		"sql.args.1.format": "",
		"unrelated":         "x",
	}

	params, err := Parse(attrs)
	require.NoError(t, err)
	require.Len(t, params, 2)

	assert.Equal(t, 1, params[0].Index)
	assert.Equal(t, TypeInteger, params[0].Type)
	assert.Equal(t, "42", *params[0].Value)
	assert.Equal(t, 2, params[1].Index)
	assert.Equal(t, TypeVarchar, params[1].Type)
}

func TestParse_MissingValueIsNull(t *testing.T) {
	params, err := Parse(map[string]string{"sql.args.1.type": "12"})
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.True(t, params[0].IsNull())
}

func TestParse_NoParameters(t *testing.T) {
	params, err := Parse(map[string]string{"fragment.index": "0"})
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestParse_NonNumericType(t *testing.T) {
	_, err := Parse(map[string]string{"sql.args.1.type": "INTEGER"})
	require.Error(t, err)

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidType, pe.Code)
	assert.Equal(t, "sql.args.1.type", pe.Attr)
	assert.True(t, IsParamError(err))
}

func TestParse_ZeroIndex(t *testing.T) {
	_, err := Parse(map[string]string{"sql.args.0.type": "4"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidIndex, pe.Code)
}

func TestParse_GapInIndices(t *testing.T) {
	_, err := Parse(map[string]string{
		"sql.args.1.type": "4",
		"sql.args.3.type": "4",
	})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidIndex, pe.Code)
	assert.Equal(t, "sql.args.2.type", pe.Attr)
}

func TestEncode_Integer(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeInteger, Value: strptr("42")})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestEncode_IntegerRanges(t *testing.T) {
	enc := NewEncoder(time.UTC)

	tests := []struct {
		name    string
		typ     int
		value   string
		wantErr bool
	}{
		{"tinyint ok", TypeTinyInt, "127", false},
		{"tinyint overflow", TypeTinyInt, "128", true},
		{"smallint ok", TypeSmallInt, "-32768", false},
		{"smallint overflow", TypeSmallInt, "40000", true},
		{"integer overflow", TypeInteger, "2147483648", true},
		{"bigint ok", TypeBigInt, "9223372036854775807", false},
		{"not a number", TypeBigInt, "forty", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Encode(Parameter{Index: 1, Type: tt.typ, Value: strptr(tt.value)})
			if tt.wantErr {
				var pe *Error
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, ErrCodeInvalidValue, pe.Code)
				assert.Equal(t, "sql.args.1.value", pe.Attr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEncode_Null(t *testing.T) {
	enc := NewEncoder(time.UTC)
	v, err := enc.Encode(Parameter{Index: 1, Type: TypeInteger})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEncode_Booleans(t *testing.T) {
	enc := NewEncoder(time.UTC)

	for _, in := range []string{"1", "t", "T", "true", "TRUE"} {
		v, err := enc.Encode(Parameter{Index: 1, Type: TypeBit, Value: strptr(in)})
		require.NoError(t, err)
		assert.Equal(t, true, v, "BIT %q", in)
	}
	v, err := enc.Encode(Parameter{Index: 1, Type: TypeBit, Value: strptr("0")})
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeBoolean, Value: strptr("t")})
	require.NoError(t, err)
	assert.Equal(t, false, v, "BOOLEAN only accepts true")
}

func TestEncode_Floats(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeDouble, Value: strptr("3.25")})
	require.NoError(t, err)
	assert.Equal(t, 3.25, v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeReal, Value: strptr("0.1")})
	require.NoError(t, err)
	assert.Equal(t, float64(float32(0.1)), v)
}

func TestEncode_Decimal(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeDecimal, Value: strptr("12345.6789")})
	require.NoError(t, err)
	assert.Equal(t, "12345.6789", v)

	_, err = enc.Encode(Parameter{Index: 1, Type: TypeNumeric, Value: strptr("12,5")})
	assert.True(t, IsParamError(err))
}

func TestEncode_DecimalRejectsNonFinite(t *testing.T) {
	enc := NewEncoder(time.UTC)

	for _, v := range []string{"NaN", "Infinity", "-Inf", "sNaN"} {
		t.Run(v, func(t *testing.T) {
			_, err := enc.Encode(Parameter{Index: 2, Type: TypeDecimal, Value: strptr(v)})
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, ErrCodeInvalidValue, pe.Code)
			assert.Equal(t, "sql.args.2.value", pe.Attr)
		})
	}
}

func TestEncode_BinaryRoundTrip(t *testing.T) {
	enc := NewEncoder(time.UTC)
	original := []byte{0x00, 0xff, 0x10, 'a', 0x80}

	v, err := enc.Encode(Parameter{
		Index:  1,
		Type:   TypeVarbinary,
		Value:  strptr(base64.StdEncoding.EncodeToString(original)),
		Format: "base64",
	})
	require.NoError(t, err)
	assert.Equal(t, original, v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeBinary, Value: strptr("00ff10"), Format: "hex"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, v)
}

func TestEncode_BinaryASCII(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeLongVarbinary, Value: strptr("abcé")})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc?"), v)
}

func TestEncode_BinaryUnknownFormat(t *testing.T) {
	enc := NewEncoder(time.UTC)

	_, err := enc.Encode(Parameter{Index: 2, Type: TypeBinary, Value: strptr("x"), Format: "uuencode"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidFormat, pe.Code)
	assert.Equal(t, "sql.args.2.format", pe.Attr)
}

func TestEncode_DateDefaults(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr("2024-02-29")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr("86400000")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(1970, 1, 2, 0, 0, 0, 0, time.UTC), v)
}

func TestEncode_DateNamedAndCustom(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr("20240301"), Format: "BASIC_ISO_DATE"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr("01/03/2024"), Format: "dd/MM/yyyy"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), v)
}

func TestEncode_DateISOWeek(t *testing.T) {
	enc := NewEncoder(time.UTC)

	tests := []struct {
		value string
		want  time.Time
	}{
		{"2012-W48-6", time.Date(2012, 12, 1, 0, 0, 0, 0, time.UTC)},
		{"2009-W01-1", time.Date(2008, 12, 29, 0, 0, 0, 0, time.UTC)},
		{"2009-W53-7", time.Date(2010, 1, 3, 0, 0, 0, 0, time.UTC)},
		{"2024-W09-4+01:00", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{"2024-W09-4Z", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			v, err := enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr(tt.value), Format: "ISO_WEEK_DATE"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEncode_DateISOWeekInvalid(t *testing.T) {
	enc := NewEncoder(time.UTC)

	for _, v := range []string{"2010-W53-1", "2012-W00-1", "2012-W48-8", "2012-48-6"} {
		t.Run(v, func(t *testing.T) {
			_, err := enc.Encode(Parameter{Index: 1, Type: TypeDate, Value: strptr(v), Format: "ISO_WEEK_DATE"})
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, ErrCodeInvalidValue, pe.Code)
		})
	}
}

func TestEncode_Time(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeTime, Value: strptr("13:45:01.250")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(1970, 1, 1, 13, 45, 1, 250_000_000, time.UTC), v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeTime, Value: strptr("08:30:00"), Format: "ISO_LOCAL_TIME"})
	require.NoError(t, err)
	assert.Equal(t, time.Date(1970, 1, 1, 8, 30, 0, 0, time.UTC), v)
}

func TestEncode_Timestamp(t *testing.T) {
	enc := NewEncoder(time.UTC)

	v, err := enc.Encode(Parameter{Index: 1, Type: TypeTimestamp, Value: strptr("2020-05-06 07:08:09.010")})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 5, 6, 7, 8, 9, 10_000_000, time.UTC), v)

	v, err = enc.Encode(Parameter{Index: 1, Type: TypeTimestamp, Value: strptr("1588748889010")})
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1588748889010).UTC(), v)

	v, err = enc.Encode(Parameter{
		Index:  1,
		Type:   TypeTimestamp,
		Value:  strptr("2011-12-03T10:15:30+01:00[Europe/Paris]"),
		Format: "ISO_ZONED_DATE_TIME",
	})
	require.NoError(t, err)
	ts, ok := v.(time.Time)
	require.True(t, ok)
	assert.True(t, ts.Equal(time.Date(2011, 12, 3, 9, 15, 30, 0, time.UTC)))
}

func TestEncode_TimestampBadValue(t *testing.T) {
	enc := NewEncoder(time.UTC)

	_, err := enc.Encode(Parameter{Index: 3, Type: TypeTimestamp, Value: strptr("yesterday")})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidValue, pe.Code)
	assert.Equal(t, "sql.args.3.value", pe.Attr)
}

func TestEncode_TimestampBadPattern(t *testing.T) {
	enc := NewEncoder(time.UTC)

	_, err := enc.Encode(Parameter{Index: 1, Type: TypeTimestamp, Value: strptr("2020"), Format: "yyyy 'Q"})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeInvalidFormat, pe.Code)
}

func TestEncode_TextTypes(t *testing.T) {
	enc := NewEncoder(time.UTC)

	for _, typ := range []int{TypeChar, TypeVarchar, TypeLongVarchar, TypeClob, TypeNClob, 1111} {
		v, err := enc.Encode(Parameter{Index: 1, Type: typ, Value: strptr("text")})
		require.NoError(t, err)
		assert.Equal(t, "text", v)
	}
}

func TestArgs(t *testing.T) {
	enc := NewEncoder(time.UTC)

	args, err := enc.Args(map[string]string{
		"sql.args.1.type":  "4",
		"sql.args.1.value": "7",
		"sql.args.2.type":  "12",
	})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), nil}, args)
}

func TestLayouts(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"yyyy-MM-dd HH:mm:ss.SSS", "2006-01-02 15:04:05.000"},
		{"dd MMM yy", "02 Jan 06"},
		{"hh:mm a", "03:04 PM"},
		{"yyyy-MM-dd'T'HH:mm:ssXXX", "2006-01-02T15:04:05Z07:00"},
		{"EEEE, d MMMM", "Monday, 2 January"},
		{"HH 'o''clock'", "15 o'clock"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := Layouts(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, got)
		})
	}

	named, err := Layouts("ISO_LOCAL_DATE")
	require.NoError(t, err)
	assert.Equal(t, []string{"2006-01-02"}, named)

	_, err = Layouts("yyyy-QQ")
	assert.Error(t, err)

	_, err = Layouts("ISO_WEEK_DATE")
	assert.Error(t, err, "week dates are parsed without a layout")
}
