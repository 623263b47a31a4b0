package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `
name: audio player
settings:
  mode: batch
  locale: en-US
  case_sensitive: false
  rate_limits:
    rpm: 30
variables:
  skill: simple player
homophones:
  white: ["wide", "why"]
sequences:
  - invocationName: "{{INVOCATION_NAME}}"
    tests:
      - input: "open {{skill}}"
        sequence: 2
        expected:
          transcript: welcome
      - input: "play"
        sequence: 1
        comparison: contains
        expected:
          streamURL: mp3
          card:
            mainTitle: "{{skill}}"
      - input: "help"
        sequence: 3
        expected:
          raw:
            "$.response.shouldEndSession": "false"
`

// ============================================================================
// YAML Parser Tests
// ============================================================================

func TestParseScriptFromString(t *testing.T) {
	t.Run("partial expectations", func(t *testing.T) {
		script, err := ParseScriptFromString(sampleScript)
		require.NoError(t, err)

		assert.Equal(t, "audio player", script.Name)
		assert.Equal(t, ModeBatch, script.Settings.Mode)
		assert.Equal(t, 30, script.Settings.RateLimits.RPM)
		cs, ok := script.Settings.CaseSensitive.Get()
		assert.True(t, ok)
		assert.False(t, cs)
		assert.Equal(t, []string{"wide", "why"}, script.Homophones["white"])

		require.Len(t, script.Sequences, 1)
		tests := script.Sequences[0].Tests
		require.Len(t, tests, 3)

		first := tests[0].Expected
		assert.True(t, first.Transcript.IsSet())
		assert.False(t, first.StreamURL.IsSet())
		assert.False(t, first.Card.IsSet())

		card, ok := tests[1].Expected.Card.Get()
		require.True(t, ok)
		assert.True(t, card.MainTitle.IsSet())
		assert.False(t, card.SubTitle.IsSet())

		assert.Equal(t, "false", tests[2].Expected.Raw["$.response.shouldEndSession"])
	})

	t.Run("comparison defaults to contains", func(t *testing.T) {
		script, err := ParseScriptFromString(sampleScript)
		require.NoError(t, err)
		for _, test := range script.Sequences[0].Tests {
			assert.Equal(t, ComparisonContains, test.Comparison)
		}
	})

	t.Run("mode defaults to immediate", func(t *testing.T) {
		script, err := ParseScriptFromString("sequences: []")
		require.NoError(t, err)
		assert.Equal(t, ModeImmediate, script.Settings.Mode)
		assert.False(t, script.Settings.CaseSensitive.IsSet())
	})

	t.Run("explicit null leaves field unset", func(t *testing.T) {
		script, err := ParseScriptFromString(`
sequences:
  - tests:
      - input: hi
        expected:
          transcript: ~
          streamURL: stream
`)
		require.NoError(t, err)
		e := script.Sequences[0].Tests[0].Expected
		assert.False(t, e.Transcript.IsSet())
		assert.True(t, e.StreamURL.IsSet())
	})

	t.Run("invalid YAML", func(t *testing.T) {
		_, err := ParseScriptFromString("sequences: [")
		assert.Error(t, err)
	})
}

func TestParseScript(t *testing.T) {
	t.Run("name defaults to file name", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "smoke-test.yml")
		require.NoError(t, os.WriteFile(path, []byte("sequences:\n  - tests:\n      - input: hi\n"), 0644))

		script, err := ParseScript(path)
		require.NoError(t, err)
		assert.Equal(t, "smoke-test", script.Name)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := ParseScript("/non/existent/script.yml")
		assert.Error(t, err)
	})
}

func TestValidateScript(t *testing.T) {
	valid := func() *Script {
		s, err := ParseScriptFromString(sampleScript)
		require.NoError(t, err)
		return s
	}

	assert.NoError(t, ValidateScript(valid()))

	s := valid()
	s.Settings.Mode = "streaming"
	assert.ErrorContains(t, ValidateScript(s), "unknown mode")

	s = valid()
	s.Sequences = nil
	assert.ErrorContains(t, ValidateScript(s), "no sequences")

	s = valid()
	s.Sequences[0].Tests[1].Input = "  "
	assert.ErrorContains(t, ValidateScript(s), "sequence 1 test 2")

	assert.Error(t, ValidateScript(nil))
}

func TestTotalTests(t *testing.T) {
	sequences := []Sequence{
		{Tests: []Test{{Input: "a"}, {Input: "b"}}},
		{Tests: nil},
		{Tests: []Test{{Input: "c"}}},
	}
	assert.Equal(t, 3, TotalTests(sequences))
}

// ============================================================================
// Templates
// ============================================================================

func TestResolve(t *testing.T) {
	script, err := ParseScriptFromString(sampleScript)
	require.NoError(t, err)

	script.Resolve(map[string]string{
		"INVOCATION_NAME": "audio & video",
		"skill":           "simple player",
	})

	seq := script.Sequences[0]
	assert.Equal(t, "audio & video", seq.InvocationName)
	assert.Equal(t, "open simple player", seq.Tests[0].Input)
	card, _ := seq.Tests[1].Expected.Card.Get()
	title, _ := card.MainTitle.Get()
	assert.Equal(t, "simple player", title)
	assert.False(t, card.SubTitle.IsSet())
	assert.False(t, seq.Tests[0].Expected.StreamURL.IsSet())
}

func TestScript_ReplaceTokens(t *testing.T) {
	script := &Script{Sequences: []Sequence{{
		InvocationName: "INVOCATION_NAME",
		Tests: []Test{{
			Input:   "open INVOCATION_NAME",
			Phrases: []string{"PLAYER_NAME"},
			Expected: Expected{
				Transcript: Some("welcome to INVOCATION_NAME"),
				Card:       Some(ExpectedCard{MainTitle: Some("PLAYER_NAME")}),
				Raw:        map[string]string{"$.PLAYER": "PLAYER_NAME"},
			},
		}},
	}}}

	script.ReplaceTokens(map[string]string{
		"INVOCATION_NAME": "simple player",
		"PLAYER":          "wrong",
		"PLAYER_NAME":     "Ann",
		"":                "ignored",
	})

	seq := script.Sequences[0]
	assert.Equal(t, "simple player", seq.InvocationName)
	test := seq.Tests[0]
	assert.Equal(t, "open simple player", test.Input)
	assert.Equal(t, []string{"Ann"}, test.Phrases)
	transcript, _ := test.Expected.Transcript.Get()
	assert.Equal(t, "welcome to simple player", transcript)
	card, _ := test.Expected.Card.Get()
	title, _ := card.MainTitle.Get()
	assert.Equal(t, "Ann", title)
	assert.Equal(t, map[string]string{"$.PLAYER": "Ann"}, test.Expected.Raw)
	assert.False(t, test.Expected.StreamURL.IsSet())

	unchanged := &Script{Sequences: []Sequence{{InvocationName: "INVOCATION_NAME"}}}
	unchanged.ReplaceTokens(nil)
	assert.Equal(t, "INVOCATION_NAME", unchanged.Sequences[0].InvocationName)
}

func TestRenderTemplate(t *testing.T) {
	assert.Equal(t, "plain text", RenderTemplate("plain text", nil))
	assert.Equal(t, "hello Ann", RenderTemplate("hello {{name}}", map[string]string{"name": "Ann"}))
	assert.Equal(t, "hello ", RenderTemplate("hello {{missing}}", nil))
	assert.Equal(t, "broken {{", RenderTemplate("broken {{", nil))
}

// ============================================================================
// Results
// ============================================================================

func TestResultItemJSON(t *testing.T) {
	item := NewResultItem(Test{Comparison: ComparisonContains, Input: "hi", Expected: Expected{Transcript: Some("hello")}})
	item.Status = StatusDone
	item.Result = ResultFailure
	item.Errors = append(item.Errors, MismatchRecord{Property: "transcript", Expected: "hello", Actual: nil})

	data, err := sonic.ConfigStd.Marshal(item)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(data, &decoded))
	assert.Equal(t, "done", decoded["status"])
	assert.Equal(t, "failure", decoded["result"])
	errs := decoded["errors"].([]any)
	require.Len(t, errs, 1)
	record := errs[0].(map[string]any)
	assert.Equal(t, "transcript", record["property"])
	assert.Equal(t, "hello", record["expected"])
	assert.Contains(t, record, "actual")

	expected := decoded["test"].(map[string]any)["expected"].(map[string]any)
	assert.Equal(t, map[string]any{"transcript": "hello"}, expected)
}

func TestValidatorResultCounts(t *testing.T) {
	r := &ValidatorResult{
		Result: ResultFailure,
		Tests: []ResultItem{
			{Result: ResultSuccess},
			{Result: ResultFailure},
			{Result: ResultSuccess},
		},
	}
	passed, failed := r.Counts()
	assert.Equal(t, 2, passed)
	assert.Equal(t, 1, failed)
	assert.False(t, r.Passed())

	var empty *ValidatorResult
	assert.False(t, empty.Passed())
}
