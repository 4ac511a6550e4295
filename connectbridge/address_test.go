package connectbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"api.example.com", "api.example.com:443"},
		{"api.example.com:8080", "api.example.com:8080"},
		{" localhost:50051 ", "localhost:50051"},
		{"[::1]", "[::1]:443"},
		{"[::1]:9000", "[::1]:9000"},
	}
	for _, tt := range tests {
		got, err := normalizeAddress(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "a:b:c", ":443", "host:0", "host:70000", "host:http"} {
		_, err := normalizeAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestProcedureURL(t *testing.T) {
	assert.Equal(t, "https://h:443/pkg.Svc/Method", procedureURL("h:443", "/pkg.Svc/Method", false))
	assert.Equal(t, "http://h:80/pkg.Svc/Method", procedureURL("h:80", "pkg.Svc/Method", true))
}
