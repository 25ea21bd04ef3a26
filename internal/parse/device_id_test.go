package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDeviceID(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  ParsedDeviceID
		expectErr bool
	}{
		{name: "Standard", raw: "ESP-001", expected: ParsedDeviceID{Prefix: "ESP", Seq: 1}},
		{name: "Past three digits", raw: "ESP-1024", expected: ParsedDeviceID{Prefix: "ESP", Seq: 1024}},
		{name: "Surrounding spaces", raw: "  FD2-017 ", expected: ParsedDeviceID{Prefix: "FD2", Seq: 17}},
		{name: "Missing sequence", raw: "ESP-", expectErr: true},
		{name: "No separator", raw: "ESP001", expectErr: true},
		{name: "Empty", raw: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseDeviceID(tc.raw)
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, parsed)
			}
		})
	}
}

func TestNextDeviceID(t *testing.T) {
	assert.Equal(t, "ESP-001", NextDeviceID("ESP", nil))
	assert.Equal(t, "ESP-004", NextDeviceID("ESP", []string{"ESP-001", "ESP-003", "ESP-002"}))
	// Lexical order would pick ESP-999; numeric order must win.
	assert.Equal(t, "ESP-1001", NextDeviceID("ESP", []string{"ESP-999", "ESP-1000"}))
	assert.Equal(t, "ESP-002", NextDeviceID("ESP", []string{"ESP-001", "LAB-050", "garbage"}))
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, []int{1, 2, 0}, ParseVersion("1.2.0"))
	assert.Equal(t, []int{1, 0, 3}, ParseVersion("1.beta.3"))
	assert.Equal(t, []int{2, 0}, ParseVersion("2.0-rc1"))
	assert.Nil(t, ParseVersion(""))

	major, minor := MajorMinor("3")
	assert.Equal(t, 3, major)
	assert.Equal(t, 0, minor)
}
