package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAPIKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "trims quotes and bearer prefix",
			in:   `"Bearer sk-ant-abc123"`,
			want: "sk-ant-abc123",
		},
		{
			name: "strips escaped and real control characters",
			in:   "sk-ant-abc\\n123\r\n\t",
			want: "sk-ant-abc123",
		},
		{
			name: "strips hidden unicode characters",
			in:   "sk-\u200bant-\ufeffabc123",
			want: "sk-ant-abc123",
		},
		{
			name: "empty input",
			in:   "   ",
			want: "",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, NormalizeAPIKey(tc.in))
		})
	}
}

func TestCheckAPIKey(t *testing.T) {
	tests := []struct {
		provider string
		key      string
		wantErr  bool
	}{
		{ProviderClaude, "sk-ant-api03-abcdef", false},
		{ProviderClaude, "'sk-ant-api03-abcdef'\n", false},
		{ProviderClaude, "", true},
		{ProviderClaude, "sk-proj-123", true},
		{ProviderGemini, "AIzaSyA-0123456789abcdefghij", false},
		{ProviderGemini, "short", true},
		{ProviderReplay, "", false},
		{"openai", "sk-123", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.key, func(t *testing.T) {
			err := CheckAPIKey(tt.provider, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
