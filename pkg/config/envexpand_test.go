package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	t.Setenv("CHOIR_TEST_HOST", "db.internal")
	t.Setenv("CHOIR_TEST_PORT", "5432")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "single variable",
			input: "host: {{.CHOIR_TEST_HOST}}",
			want:  "host: db.internal",
		},
		{
			name:  "multiple variables",
			input: "dsn: {{.CHOIR_TEST_HOST}}:{{.CHOIR_TEST_PORT}}",
			want:  "dsn: db.internal:5432",
		},
		{
			name:  "missing variable expands to empty",
			input: "token: '{{.CHOIR_TEST_MISSING}}'",
			want:  "token: ''",
		},
		{
			name:  "dollar signs pass through",
			input: "pattern: ^secret.*$ price\\$[0-9]+",
			want:  "pattern: ^secret.*$ price\\$[0-9]+",
		},
		{
			name:  "no template syntax",
			input: "plain: value",
			want:  "plain: value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnvMalformedTemplate(t *testing.T) {
	// Unclosed template action: original bytes come back so the YAML parser
	// reports the real problem.
	input := []byte("key: {{.UNCLOSED")
	assert.Equal(t, input, ExpandEnv(input))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim("a, b"))
	assert.Equal(t, []string{"a"}, splitAndTrim("a,,  ,"))
	assert.Empty(t, splitAndTrim("  "))
}
