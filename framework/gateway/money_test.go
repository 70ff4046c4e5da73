package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/fincore/framework/core"
)

func TestValidateMonetaryFields(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"integer", `{"amount_cents": 1250}`, false},
		{"negative integer", `{"refund_cents": -500}`, false},
		{"null", `{"amount_cents": null}`, false},
		{"no monetary fields", `{"amount": 12.5}`, false},
		{"empty body", ``, false},
		{"not json", `amount_cents=12.50`, false},
		{"decimal string", `{"amount_cents": "12.50"}`, true},
		{"integer string", `{"amount_cents": "1250"}`, true},
		{"fraction", `{"amount_cents": 12.5}`, true},
		{"trailing zero fraction", `{"amount_cents": 1250.0}`, true},
		{"exponent", `{"amount_cents": 1e3}`, true},
		{"bool", `{"amount_cents": true}`, true},
		{"nested", `{"invoice": {"lines": [{"unit_price_cents": 100}, {"unit_price_cents": 9.99}]}}`, true},
		{"nested valid", `{"invoice": {"lines": [{"unit_price_cents": 100}]}}`, false},
		{"top level array", `[{"total_cents": "1"}]`, true},
		{"trailing comma", `{"amount_cents": "12.50",}`, true},
		{"truncated object", `{"amount_cents": 1250`, true},
		{"malformed without monetary fields", `{"name": }`, true},
		{"second value after object", `{"amount_cents": 1250} {"amount_cents": 9.99}`, true},
		{"stray closing brace", `{"amount_cents": 1250}}`, true},
		{"trailing whitespace", "{\"amount_cents\": 1250}\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMonetaryFields([]byte(tt.body))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, core.ErrValidation, core.CodeOf(err))
		})
	}
}

func TestValidateMonetaryFields_ReportsFieldPath(t *testing.T) {
	err := ValidateMonetaryFields([]byte(`{"invoice": {"lines": [{"unit_price_cents": 9.99}]}}`))
	require.Error(t, err)

	fe, ok := core.AsFrameworkError(err)
	require.True(t, ok)
	assert.Equal(t, "invoice.lines[0].unit_price_cents", fe.Details["field"])
}
