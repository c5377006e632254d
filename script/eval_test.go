package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:    "plain string without template variables",
			input:   "Hello World",
			globals: nil,
			want:    "Hello World",
		},
		{
			name:  "string with single template variable",
			input: "Hello ${context.name}",
			globals: map[string]any{
				"context": map[string]any{
					"name": "Alice",
				},
			},
			want: "Hello Alice",
		},
		{
			name:  "string with multiple template variables",
			input: "${context.greeting} ${context.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"context": map[string]any{
					"greeting": "Hello",
					"name":     "Bob",
				},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:    "string with nested expressions",
			input:   "Result: ${1 + (2 * 3)}",
			globals: nil,
			want:    "Result: 7",
		},
		{
			name:        "invalid template syntax - unclosed brace",
			input:       "Hello ${name",
			globals:     map[string]any{"name": "Alice"},
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression inside template",
			input:       "Hello ${1 +}",
			globals:     nil,
			wantErr:     true,
			errContains: "invalid expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			globals:     nil,
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewTemplate(NewRisorScriptingEngine(DefaultRisorGlobals()), tt.input)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					require.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			got, err := s.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngineConditions(t *testing.T) {
	engine := NewExprScriptingEngine(nil)

	t.Run("truthy comparison", func(t *testing.T) {
		s, err := engine.Compile(context.Background(), "amount > 100")
		require.NoError(t, err)
		value, err := s.Evaluate(context.Background(), map[string]any{"amount": 250})
		require.NoError(t, err)
		require.True(t, value.IsTruthy())
	})

	t.Run("falsy comparison", func(t *testing.T) {
		s, err := engine.Compile(context.Background(), "approved == true")
		require.NoError(t, err)
		value, err := s.Evaluate(context.Background(), map[string]any{"approved": false})
		require.NoError(t, err)
		require.False(t, value.IsTruthy())
	})

	t.Run("engine globals are merged", func(t *testing.T) {
		withGlobals := NewExprScriptingEngine(map[string]any{"threshold": 10})
		s, err := withGlobals.Compile(context.Background(), "value >= threshold")
		require.NoError(t, err)
		value, err := s.Evaluate(context.Background(), map[string]any{"value": 10})
		require.NoError(t, err)
		require.True(t, value.IsTruthy())
	})
}
