package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		email string
		want  bool
	}{
		{"user@example.com", true},
		{"first.last+tag@sub.example.org", true},
		{"user@localhost", false},
		{"@example.com", false},
		{"user@@example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateEmail(tt.email), tt.email)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.COM \n"))
}

func TestSanitizeHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"script block", `<p>Hi</p><script type="text/javascript">alert(1)</script>`, `<p>Hi</p>`},
		{"multiline script", "<SCRIPT>\nsteal()\n</SCRIPT><b>x</b>", `<b>x</b>`},
		{"event handler", `<img src="a.png" onerror="alert(1)">`, `<img src="a.png">`},
		{"javascript url", `<a href="javascript:alert(1)">x</a>`, `<a href="alert(1)">x</a>`},
		{"plain markup", `<a href="https://example.com">ok</a>`, `<a href="https://example.com">ok</a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeHTML(tt.in))
		})
	}
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", MaskEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", MaskEmail("jd@example.com"))
	assert.Equal(t, "***@***", MaskEmail("not-an-email"))
}
