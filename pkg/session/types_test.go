package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(" b1 ")
	require.NoError(t, err)
	assert.Equal(t, LevelB1, l)

	_, err = ParseLevel("D1")
	assert.Error(t, err)
}

func TestLevelRankIsOrdinal(t *testing.T) {
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i-1].Rank(), levels[i].Rank())
	}
	assert.Equal(t, 0, Level("Z9").Rank())
}

func TestSessionValidate(t *testing.T) {
	valid := Session{ID: "s", UserID: "u", Level: LevelA2, Language: "es", TextID: "t"}
	require.NoError(t, valid.Validate())
	assert.Equal(t, ModeConversation, valid.Mode())

	neither := valid
	neither.TextID = ""
	assert.Error(t, neither.Validate())

	roleplay := valid
	roleplay.TextID = ""
	roleplay.DialogID = "d"
	assert.Error(t, roleplay.Validate(), "persona required")
	roleplay.Persona = "Ana"
	require.NoError(t, roleplay.Validate())
	assert.Equal(t, ModeRoleplay, roleplay.Mode())
}

func TestNoErrors(t *testing.T) {
	c := NoErrors("Hola, ¿qué tal?")
	assert.False(t, c.HasErrors)
	assert.Equal(t, "Hola, ¿qué tal?", c.CorrectedText)
	assert.NotNil(t, c.Errors)
	assert.Empty(t, c.Errors)
}

func TestTurnCloneIsDeep(t *testing.T) {
	resp := "hola"
	c := NoErrors(resp)
	orig := &Turn{Number: 1, StudentResponse: &resp, Correction: &c}
	cp := orig.Clone()
	*cp.StudentResponse = "changed"
	cp.Correction.CorrectedText = "changed"
	assert.Equal(t, "hola", *orig.StudentResponse)
	assert.Equal(t, "hola", orig.Correction.CorrectedText)
}
