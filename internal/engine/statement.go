package engine

import (
	"regexp"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/roach88/putsql/internal/unit"
)

// attrRefPattern matches ${name} references in a configured statement.
var attrRefPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// utf8Decoder strips a leading byte-order mark and replaces invalid UTF-8.
var utf8Decoder = unicode.UTF8BOM

// ExpandStatement substitutes ${name} references in a configured statement
// with the unit's attribute values. Missing attributes expand to "".
func ExpandStatement(statement string, u *unit.Unit) string {
	if !strings.Contains(statement, "${") {
		return statement
	}
	return attrRefPattern.ReplaceAllStringFunc(statement, func(ref string) string {
		name := strings.TrimSpace(ref[2 : len(ref)-1])
		v, _ := u.Attr(name)
		return v
	})
}

// DecodeContent turns unit content into statement text.
func DecodeContent(content []byte) (string, error) {
	out, _, err := transform.Bytes(utf8Decoder.NewDecoder(), content)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// resolveStatement returns the statement text for u: the configured
// statement with attributes substituted, else the unit's content.
func (e *Engine) resolveStatement(u *unit.Unit) (string, error) {
	if e.statement != "" {
		sql := strings.TrimSpace(ExpandStatement(e.statement, u))
		if sql == "" {
			return "", NewEmptyStatementError(u.ID, false)
		}
		return sql, nil
	}

	text, err := DecodeContent(u.Content)
	if err != nil {
		return "", &ValidationError{
			Code:    ErrCodeValidation,
			Message: "content is not decodable as UTF-8: " + err.Error(),
			UnitID:  u.ID,
		}
	}
	sql := strings.TrimSpace(text)
	if sql == "" {
		return "", NewEmptyStatementError(u.ID, true)
	}
	return sql, nil
}
