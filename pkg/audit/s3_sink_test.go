package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		want   string
	}{
		{"", "pack.zip", "pack.zip"},
		{"evidence", "pack.zip", "evidence/pack.zip"},
		{"evidence/", "pack.zip", "evidence/pack.zip"},
		{"tenants/acme", "pack.zip", "tenants/acme/pack.zip"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, objectKey(tt.prefix, tt.name), "prefix %q", tt.prefix)
	}
}
