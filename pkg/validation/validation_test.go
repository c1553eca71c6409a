package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDeviceLabel(t *testing.T) {
	for _, ok := range []string{"kiosk-1", "Cafeteria.North_2", "a"} {
		assert.NoError(t, ValidateDeviceLabel(ok), ok)
	}
	for _, bad := range []string{"", "-kiosk", "kiosk 1", "kiosk/1", string(make([]byte, 65))} {
		assert.Error(t, ValidateDeviceLabel(bad), bad)
	}
}

func TestValidateAndNormalizeEmail(t *testing.T) {
	email, err := ValidateAndNormalizeEmail("  Ops@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", email)

	for _, bad := range []string{"", "not-an-email", "Ops <ops@example.com>"} {
		_, err := ValidateAndNormalizeEmail(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateServiceDate(t *testing.T) {
	assert.NoError(t, ValidateServiceDate("2024-02-29"))
	assert.Error(t, ValidateServiceDate("2023-02-29"))
	assert.Error(t, ValidateServiceDate("03/05/2024"))
}
