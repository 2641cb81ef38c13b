package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunshow/workgear/client/internal/model"
)

func TestParseAssignment(t *testing.T) {
	tests := map[string]struct {
		in       string
		expKey   string
		expField string
		expValue any
		expErr   bool
	}{
		"String value.": {
			in: "7.title=Login works", expKey: "7", expField: "title", expValue: "Login works",
		},
		"Plain values stay strings.": {
			in: "7.title=no", expKey: "7", expField: "title", expValue: "no",
		},
		"Plain numbers stay strings.": {
			in: "0.age=42", expKey: "0", expField: "age", expValue: "42",
		},
		"Tagged integer.": {
			in: "0.age=!!int 42", expKey: "0", expField: "age", expValue: 42,
		},
		"Tagged boolean.": {
			in: "0.active=!!bool false", expKey: "0", expField: "active", expValue: false,
		},
		"Tagged null.": {
			in: "0.description=!!null", expKey: "0", expField: "description", expValue: nil,
		},
		"Bad tagged value.": {
			in: "0.age=!!int many", expErr: true,
		},
		"Empty value.": {
			in: "7.description=", expKey: "7", expField: "description", expValue: "",
		},
		"Value with an equals sign.": {
			in: "7.expr=a=b", expKey: "7", expField: "expr", expValue: "a=b",
		},
		"Missing equals sign.": {
			in: "7.title", expErr: true,
		},
		"Missing field.": {
			in: "7=B", expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			key, field, value, err := parseAssignment(test.in)
			if test.expErr {
				assert.ErrorIs(t, err, model.ErrNotValid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expKey, key)
			assert.Equal(t, test.expField, field)
			assert.Equal(t, test.expValue, value)
		})
	}
}

func TestStartWithFakeEngine(t *testing.T) {
	for _, transport := range []string{"ws", "grpc"} {
		t.Run(transport, func(t *testing.T) {
			t.Setenv("WORKGEAR_FAKE_STEP_DELAY", "10ms")
			t.Setenv("WORKGEAR_POLL_TASK_INTERVAL", "50ms")
			t.Setenv("WORKGEAR_LOG_LEVEL", "error")

			var stdout, stderr bytes.Buffer
			cmd := newRootCommand(&stdout, &stderr)
			cmd.SetArgs([]string{"--engine", "fake", "--transport", transport, "-o", "json",
				"start", "--test-case-id", "5", "--decision", "approve"})

			require.NoError(t, cmd.Execute())

			assert.Contains(t, stdout.String(), `"status": "reviewing"`)
			assert.Contains(t, stdout.String(), `"status": "completed"`)
			assert.Contains(t, stderr.String(), "SUCCESS")
		})
	}
}

func TestUnknownEngineIsRejected(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs([]string{"--engine", "soap", "history", "42"})

	err := cmd.Execute()
	assert.ErrorIs(t, err, model.ErrNotValid)
}
