package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListHasErrors(t *testing.T) {
	tests := []struct {
		name string
		list List
		want bool
	}{
		{name: "empty", list: nil, want: false},
		{name: "warnings only", list: List{Warning("w", "careful"), Info("i", "fyi")}, want: false},
		{name: "one error", list: List{Info("i", "fyi"), Error("e", "broken")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.list.HasErrors())
		})
	}
}

func TestDiagnosticString(t *testing.T) {
	d := Error("answers.missing", "region is required").WithPath("/region").WithStep("validate")
	assert.Equal(t, "[validate] ERROR answers.missing: region is required (at /region)", d.String())
}

func TestListCodesAndSort(t *testing.T) {
	l := List{
		Info("b", "x"),
		Error("a", "y"),
		Warning("b", "z"),
		Error("c", "w"),
	}

	assert.Equal(t, []string{"a", "b", "c"}, l.Codes())

	sorted := l.SortedBySeverity()
	assert.Equal(t, []string{"a", "c", "b", "b"}, []string{sorted[0].Code, sorted[1].Code, sorted[2].Code, sorted[3].Code})
	assert.Equal(t, SeverityWarning, sorted[2].Severity)
	// original untouched
	assert.Equal(t, "b", l[0].Code)
}

func TestTaggedDoesNotMutate(t *testing.T) {
	l := List{Info("i", "x")}
	tagged := l.Tagged("collect")
	assert.Equal(t, "collect", tagged[0].Step)
	assert.Empty(t, l[0].Step)
}

func TestSeverityValidate(t *testing.T) {
	assert.NoError(t, SeverityWarning.Validate())
	assert.Error(t, Severity("fatal").Validate())
}
