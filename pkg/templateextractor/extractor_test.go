package templateextractor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtract_GroupsCommonTemplate(t *testing.T) {
	texts := []string{
		"Hello Alice, welcome to the system!",
		"Hello Bob, welcome to the system!",
		"Hello Charlie, welcome to the system!",
	}
	result := Extract(texts)
	require.Len(t, result.Templates, 1)
	for _, a := range result.Assignments {
		require.Equal(t, 0, a)
	}
	require.Equal(t, "Hello {var_0}, welcome to the system!", result.Templates[0].String())
	require.Equal(t, "Alice,", result.Matches[0].Variables["var_0"])
}

func TestExtract_SingletonsDontFormATemplate(t *testing.T) {
	texts := []string{"a totally unique input with no siblings"}
	result := Extract(texts)
	require.Empty(t, result.Templates)
	require.Equal(t, -1, result.Assignments[0])
}

func TestRoundTrip_RenderThenMatchRecoversVariables(t *testing.T) {
	texts := []string{
		"Hello Alice, welcome to the system!",
		"Hello Bob, welcome to the system!",
	}
	result := Extract(texts)
	require.Len(t, result.Templates, 1)
	tmpl := result.Templates[0]

	vars := map[string]string{"var_0": "Diana,"}
	rendered := tmpl.Render(vars)

	match, ok := MatchAgainst(rendered, tmpl)
	require.True(t, ok)
	require.Equal(t, vars, match.Variables)
}

func TestMatchAgainst_RejectsDifferentShape(t *testing.T) {
	texts := []string{
		"Hello Alice, welcome to the system!",
		"Hello Bob, welcome to the system!",
	}
	result := Extract(texts)
	tmpl := result.Templates[0]

	_, ok := MatchAgainst("Goodbye entirely different shape here", tmpl)
	require.False(t, ok)
}
