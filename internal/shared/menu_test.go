package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMenuCode(t *testing.T) {
	assert.Equal(t, "accident.board", NormalizeMenuCode("  Accident.Board "))
	assert.Equal(t, "sop", NormalizeMenuCode("ＳＯＰ"))
	assert.Equal(t, "", NormalizeMenuCode("   "))
}
