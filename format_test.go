package formulaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPattern(t *testing.T) {
	cases := []struct {
		pattern string
		want    PatternKind
	}{
		{"", PatternGeneral},
		{"0.00", PatternNumeric},
		{"#,##0", PatternNumeric},
		{"0%", PatternNumeric},
		{"yyyy-mm-dd", PatternDateTime},
		{"hh:mm:ss", PatternDateTime},
		{"[hh]:mm", PatternDateTime},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyPattern(c.pattern), "pattern %q", c.pattern)
	}
}

func TestValidNumberPattern(t *testing.T) {
	assert.True(t, validNumberPattern("0.00"))
	assert.True(t, validNumberPattern("yyyy-mm-dd"))
	assert.False(t, validNumberPattern(""))
}

func TestPropagatePattern(t *testing.T) {
	assert.Equal(t, "0.00", propagatePattern("0.00", "#,##0"))
	assert.Equal(t, "#,##0", propagatePattern("", "#,##0"))
	assert.Equal(t, "", propagatePattern("", ""))
}
