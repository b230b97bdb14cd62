package parse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type analysisShape struct {
	AnalysisText string   `json:"analysis_text"`
	Confidence   float64  `json:"confidence"`
	KeyPoints    []string `json:"key_points"`
}

func TestSmartParse_FencedBlockWins(t *testing.T) {
	raw := "Here is my analysis:\n```json\n{\"analysis_text\":\"ok\",\"confidence\":0.7,\"key_points\":[\"x\"]}\n```\nHope that helps!"

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.AnalysisText)
	assert.Equal(t, 0.7, out.Confidence)
}

func TestSmartParse_FenceWithoutLanguageTag(t *testing.T) {
	raw := "```\n{\"analysis_text\":\"ok\",\"confidence\":0.5}\n```"

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.AnalysisText)
}

func TestSmartParse_WholeBodyJSON(t *testing.T) {
	raw := `{"analysis_text":"bare","confidence":0.4,"key_points":[]}`

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "bare", out.AnalysisText)
}

func TestSmartParse_BraceBalancedInsideProse(t *testing.T) {
	raw := `Sure! The structured answer is {"analysis_text":"embedded","confidence":0.9} — let me know if you need more.`

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "embedded", out.AnalysisText)
}

// Near-miss JSON (trailing comma) goes through the repair chain rather than
// failing outright.
func TestSmartParse_RepairsTrailingComma(t *testing.T) {
	raw := "```json\n{\"analysis_text\":\"repaired\",\"confidence\":0.6,}\n```"

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "repaired", out.AnalysisText)
}

// Hjson is the most lenient fallback: unquoted keys still parse.
func TestSmartParse_HjsonUnquotedKeys(t *testing.T) {
	raw := "{\n  analysis_text: lenient\n  confidence: 0.3\n}"

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "lenient", out.AnalysisText)
}

func TestSmartParse_ProseFailsWithRawAttached(t *testing.T) {
	raw := "I think this is a promising direction overall."

	var out analysisShape
	_, err := SmartParse(raw, &out)
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, raw, perr.Raw)
}

func TestExtractBraceBalanced_IgnoresBracesInStrings(t *testing.T) {
	raw := `prefix {"text":"open brace { inside string","n":1} suffix`

	got, ok := ExtractBraceBalanced(raw)
	require.True(t, ok)
	assert.Equal(t, `{"text":"open brace { inside string","n":1}`, got)
}

func TestExtractBraceBalanced_UnbalancedReturnsFalse(t *testing.T) {
	_, ok := ExtractBraceBalanced(`{"never":"closes"`)
	assert.False(t, ok)
}

func TestCleanMarkdown_StripsMarkdownFence(t *testing.T) {
	in := "```markdown\n## Report\n\nBody text.\n```"
	assert.Equal(t, "## Report\n\nBody text.", CleanMarkdown(in))
}

func TestCleanMarkdown_StripsBareFence(t *testing.T) {
	in := "```\n## Report\n```"
	assert.Equal(t, "## Report", CleanMarkdown(in))
}

func TestCleanMarkdown_PassesPlainTextThrough(t *testing.T) {
	in := "  ## Report\n\nBody.  "
	assert.Equal(t, "## Report\n\nBody.", CleanMarkdown(in))
}

func TestValidateMarkdown(t *testing.T) {
	assert.True(t, ValidateMarkdown("## Heading\n\n- item"))
}
