package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/akriventsev/fincore/framework/core"
)

// MonetarySuffix суффикс полей, содержащих суммы в минорных единицах
const MonetarySuffix = "_cents"

// ValidateMonetaryFields проверяет, что каждое поле *_cents в JSON теле является целым числом.
// Строки, дробные значения и экспоненциальная запись отклоняются с VALIDATION_ERROR.
// Тело, начинающееся с { или [, обязано быть ровно одним корректным JSON значением.
// Тело другого вида (form, plain text) не проверяется.
func ValidateMonetaryFields(body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return core.Wrap(err, core.ErrValidation, "request body is not valid JSON")
	}
	// после первого значения допустим только конец тела, включая одиночные ] и }
	if _, err := dec.Token(); err != io.EOF {
		return core.NewError(core.ErrValidation, "request body contains data after the JSON value")
	}
	return walkMonetary(doc, "")
}

func walkMonetary(node interface{}, path string) error {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			childPath := joinPath(path, key)
			if strings.HasSuffix(key, MonetarySuffix) {
				if err := checkMinorUnits(child, childPath); err != nil {
					return err
				}
				continue
			}
			if err := walkMonetary(child, childPath); err != nil {
				return err
			}
		}
	case []interface{}:
		for i, child := range v {
			if err := walkMonetary(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkMinorUnits(value interface{}, path string) error {
	switch v := value.(type) {
	case nil:
		return nil
	case json.Number:
		s := v.String()
		if strings.ContainsAny(s, ".eE") {
			return monetaryError(path, s)
		}
		if _, err := v.Int64(); err != nil {
			return monetaryError(path, s)
		}
		return nil
	default:
		return monetaryError(path, fmt.Sprint(v))
	}
}

func monetaryError(path, value string) error {
	return core.NewError(core.ErrValidation,
		fmt.Sprintf("field %s must be an integer amount in minor units", path)).
		WithDetail("field", path).
		WithDetail("value", value)
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
