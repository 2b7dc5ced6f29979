package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_MomoCallback(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	tests := []struct {
		name    string
		body    string
		valid   bool
		errorOn string
	}{
		{
			name:  "successful callback",
			body:  `{"financialTransactionId":"123","externalId":"2","amount":"8500","currency":"UGX","status":"SUCCESSFUL"}`,
			valid: true,
		},
		{
			name:  "lower case status with reason object",
			body:  `{"status":"failed","reason":{"code":"PAYER_NOT_FOUND","message":"no wallet"}}`,
			valid: true,
		},
		{
			name:    "missing status",
			body:    `{"externalId":"2"}`,
			valid:   false,
			errorOn: "status",
		},
		{
			name:    "unknown status",
			body:    `{"status":"MAYBE"}`,
			valid:   false,
			errorOn: "status",
		},
		{
			name:    "not json",
			body:    `status=SUCCESSFUL`,
			valid:   false,
			errorOn: "(root)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.ValidateJSON(SchemaMomoCallback, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.GetErrorMessages())
			if tt.errorOn != "" {
				assert.Contains(t, strings.Join(res.GetErrorMessages(), "; "), tt.errorOn)
			}
		})
	}
}

func TestValidator_JobVariables(t *testing.T) {
	v := MustNew()

	res, err := v.Validate(SchemaInitiatePayment, map[string]interface{}{
		"userId":      "user-1",
		"packageId":   float64(2),
		"phoneNumber": "256772123456",
	})
	require.NoError(t, err)
	assert.True(t, res.Valid, res.GetErrorMessages())

	res, err = v.Validate(SchemaInitiatePayment, map[string]interface{}{
		"userId":        "user-1",
		"paymentMethod": "card",
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	messages := strings.Join(res.GetErrorMessages(), "; ")
	assert.Contains(t, messages, "packageId")
	assert.Contains(t, messages, "phoneNumber")
	assert.True(t, res.HasErrors("paymentMethod"))

	res, err = v.Validate(SchemaSettlePayment, map[string]interface{}{"referenceId": "r"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestValidator_UnknownSchema(t *testing.T) {
	v := MustNew()
	_, err := v.Validate("nope", map[string]interface{}{})
	assert.Error(t, err)
}

func TestValidatePhone(t *testing.T) {
	assert.True(t, ValidatePhone("256772123456"))
	assert.True(t, ValidatePhone("+256 772 123456"))
	assert.True(t, ValidatePhone("0772123456"))
	assert.False(t, ValidatePhone("07721"))
	assert.False(t, ValidatePhone("phone"))
}
