package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aymerick/raymond"
	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/device-validator/logger"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// SCRIPT CONFIGURATION
// ============================================================================

type Script struct {
	Name       string              `yaml:"name"`
	Settings   Settings            `yaml:"settings"`
	Variables  map[string]string   `yaml:"variables,omitempty"`
	Homophones map[string][]string `yaml:"homophones,omitempty"`
	Sequences  []Sequence          `yaml:"sequences"`
}

// Mode selects how results are obtained from the virtual device.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeBatch     Mode = "batch"
	ModeAsync     Mode = "async"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeImmediate, ModeBatch, ModeAsync:
		return true
	}
	return false
}

// RateLimitConfig throttles requests to the virtual device before they are sent.
type RateLimitConfig struct {
	RPM int `yaml:"rpm"` // Requests per minute
}

// RetryConfig controls how HTTP 429 responses from the virtual device are handled.
type RetryConfig struct {
	RetryOn429 bool `yaml:"retry_on_429"`
	MaxRetries int  `yaml:"max_retries"` // Default: 3
}

// RateLimitStats summarizes throttling and 429 handling on the device transport.
type RateLimitStats struct {
	ThrottleCount      int   `json:"throttleCount"`
	ThrottleWaitTimeMs int64 `json:"throttleWaitTimeMs"`
	RateLimitHits      int   `json:"rateLimitHits"`
	RetryCount         int   `json:"retryCount"`
	RetryWaitTimeMs    int64 `json:"retryWaitTimeMs"`
	RetrySuccessCount  int   `json:"retrySuccessCount"`
}

type Settings struct {
	Mode           Mode            `yaml:"mode"`
	Locale         string          `yaml:"locale,omitempty"`
	VoiceID        string          `yaml:"voice_id,omitempty"`
	STT            string          `yaml:"stt,omitempty"`
	SkipSTT        bool            `yaml:"skip_stt,omitempty"`
	LocationLat    string          `yaml:"location_lat,omitempty"`
	LocationLong   string          `yaml:"location_long,omitempty"`
	Debug          bool            `yaml:"debug,omitempty"`
	CaseSensitive  Optional[bool]  `yaml:"case_sensitive"`
	StepDelay      string          `yaml:"step_delay,omitempty"`
	SessionIdle    string          `yaml:"session_idle,omitempty"`
	PollInterval   string          `yaml:"poll_interval,omitempty"`
	MaxPolls       int             `yaml:"max_polls,omitempty"`
	ResetUtterance string          `yaml:"reset_utterance,omitempty"`
	SkipAuth       bool            `yaml:"skip_auth,omitempty"`
	RateLimits     RateLimitConfig `yaml:"rate_limits"`
	Retry          RetryConfig     `yaml:"retry"`
}

// ============================================================================
// SEQUENCE / TEST MODEL
// ============================================================================

// Sequence is one scripted conversation. InvocationName is the label used for
// the authorization check.
type Sequence struct {
	InvocationName string `yaml:"invocationName" json:"invocationName"`
	Tests          []Test `yaml:"tests" json:"tests"`
}

// Comparison is the operator applied to every expected field of a test.
type Comparison string

const ComparisonContains Comparison = "contains"

type Test struct {
	Comparison Comparison `yaml:"comparison" json:"comparison"`
	Expected   Expected   `yaml:"expected" json:"expected"`
	Input      string     `yaml:"input" json:"input"`
	Sequence   int        `yaml:"sequence" json:"sequence"`
	Phrases    []string   `yaml:"phrases,omitempty" json:"phrases,omitempty"`
}

// Expected is a partial response. Unset fields are not constraints.
type Expected struct {
	Transcript Optional[string]       `yaml:"transcript" json:"transcript"`
	StreamURL  Optional[string]       `yaml:"streamURL" json:"streamURL"`
	Card       Optional[ExpectedCard] `yaml:"card" json:"card"`
	// Raw maps a JSONPath over debug.rawJSON to an expected substring.
	Raw map[string]string `yaml:"raw,omitempty" json:"raw,omitempty"`
}

type ExpectedCard struct {
	MainTitle Optional[string] `yaml:"mainTitle" json:"mainTitle"`
	SubTitle  Optional[string] `yaml:"subTitle" json:"subTitle"`
	TextField Optional[string] `yaml:"textField" json:"textField"`
	ImageURL  Optional[string] `yaml:"imageURL" json:"imageURL"`
	Type      Optional[string] `yaml:"type" json:"type"`
}

type expectedCardJSON struct {
	MainTitle *string `json:"mainTitle,omitempty"`
	SubTitle  *string `json:"subTitle,omitempty"`
	TextField *string `json:"textField,omitempty"`
	ImageURL  *string `json:"imageURL,omitempty"`
	Type      *string `json:"type,omitempty"`
}

type expectedJSON struct {
	Transcript *string           `json:"transcript,omitempty"`
	StreamURL  *string           `json:"streamURL,omitempty"`
	Card       *expectedCardJSON `json:"card,omitempty"`
	Raw        map[string]string `json:"raw,omitempty"`
}

// MarshalJSON writes only the fields that are set.
func (e Expected) MarshalJSON() ([]byte, error) {
	out := expectedJSON{
		Transcript: e.Transcript.Ptr(),
		StreamURL:  e.StreamURL.Ptr(),
		Raw:        e.Raw,
	}
	if card, ok := e.Card.Get(); ok {
		out.Card = &expectedCardJSON{
			MainTitle: card.MainTitle.Ptr(),
			SubTitle:  card.SubTitle.Ptr(),
			TextField: card.TextField.Ptr(),
			ImageURL:  card.ImageURL.Ptr(),
			Type:      card.Type.Ptr(),
		}
	}
	return sonic.ConfigStd.Marshal(out)
}

// IsEmpty reports whether the expectation constrains nothing.
func (e Expected) IsEmpty() bool {
	return !e.Transcript.IsSet() && !e.StreamURL.IsSet() && !e.Card.IsSet() && len(e.Raw) == 0
}

// ============================================================================
// DEVICE EXCHANGE
// ============================================================================

// ActualResult is the virtual device response for one utterance.
type ActualResult struct {
	Card           *Card   `json:"card"`
	Debug          Debug   `json:"debug"`
	SessionTimeout int     `json:"sessionTimeout"`
	StreamURL      *string `json:"streamURL"`
	Transcript     *string `json:"transcript"`
	Message        string  `json:"message"`
}

type Card struct {
	ImageURL  *string `json:"imageURL"`
	MainTitle *string `json:"mainTitle"`
	SubTitle  *string `json:"subTitle"`
	TextField *string `json:"textField"`
	Type      *string `json:"type"`
}

type Debug struct {
	RawTranscript string `json:"rawTranscript,omitempty"`
	RawJSON       any    `json:"rawJSON,omitempty"`
}

// Message is one utterance of a batch request.
type Message struct {
	Text    string   `json:"text"`
	Phrases []string `json:"phrases,omitempty"`
}

// Session describes the conversation a device call belongs to. Fresh is true
// for the first call of a sequence.
type Session struct {
	Label string
	Index int
	Fresh bool
}

type MessageOptions struct {
	Debug   bool
	Phrases []string
	Session Session
}

// BatchResult carries either the resolved results or, in async mode, the
// conversation id used to fetch them later.
type BatchResult struct {
	Results        []ActualResult
	ConversationID string
}

// ============================================================================
// VALIDATION RESULT
// ============================================================================

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// MismatchRecord is one failed field. Property uses dot notation for nested
// fields, e.g. card.mainTitle.
type MismatchRecord struct {
	Property string `json:"property"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

type ResultItem struct {
	Test   Test             `json:"test"`
	Status Status           `json:"status"`
	Result Result           `json:"result,omitempty"`
	Errors []MismatchRecord `json:"errors"`
	Error  string           `json:"error,omitempty"`
	Actual *ActualResult    `json:"actual,omitempty"`
}

func NewResultItem(test Test) ResultItem {
	return ResultItem{
		Test:   test,
		Status: StatusPending,
		Errors: []MismatchRecord{},
	}
}

func (r ResultItem) Passed() bool {
	return r.Result == ResultSuccess
}

type ValidatorResult struct {
	Result Result       `json:"result"`
	Tests  []ResultItem `json:"tests"`
}

func (v *ValidatorResult) Passed() bool {
	return v != nil && v.Result == ResultSuccess
}

// Counts returns the number of passed and failed steps.
func (v *ValidatorResult) Counts() (passed, failed int) {
	if v == nil {
		return 0, 0
	}
	for _, item := range v.Tests {
		if item.Passed() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// ScriptRun is the outcome of executing one script file.
type ScriptRun struct {
	Name       string           `json:"name"`
	SourceFile string           `json:"sourceFile"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	Result     *ValidatorResult `json:"result,omitempty"`
	SetupError string           `json:"setupError,omitempty"`
	RateLimits *RateLimitStats  `json:"rateLimitStats,omitempty"`
}

func (r ScriptRun) Passed() bool {
	return r.SetupError == "" && r.Result.Passed()
}

func (r ScriptRun) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// ============================================================================
// YAML PARSER
// ============================================================================

func ParseScript(filename string) (*Script, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	script, err := ParseScriptFromString(string(data))
	if err != nil {
		return nil, err
	}
	if script.Name == "" {
		script.Name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return script, nil
}

func ParseScriptFromString(definition string) (*Script, error) {
	var script Script
	if err := yaml.Unmarshal([]byte(definition), &script); err != nil {
		return nil, fmt.Errorf("failed to parse YAML script: %w", err)
	}
	script.applyDefaults()
	return &script, nil
}

func (s *Script) applyDefaults() {
	if s.Settings.Mode == "" {
		s.Settings.Mode = ModeImmediate
	}
	for i := range s.Sequences {
		for j := range s.Sequences[i].Tests {
			if s.Sequences[i].Tests[j].Comparison == "" {
				s.Sequences[i].Tests[j].Comparison = ComparisonContains
			}
		}
	}
}

func ValidateScript(s *Script) error {
	if s == nil {
		return fmt.Errorf("script is nil")
	}
	if !s.Settings.Mode.Valid() {
		return fmt.Errorf("unknown mode %q, supported modes are: immediate, batch, async", s.Settings.Mode)
	}
	if len(s.Sequences) == 0 {
		return fmt.Errorf("no sequences configured")
	}
	for i, seq := range s.Sequences {
		if len(seq.Tests) == 0 {
			logger.Logger.Warn("Sequence has no tests", "index", i, "invocation_name", seq.InvocationName)
		}
		for j, t := range seq.Tests {
			if strings.TrimSpace(t.Input) == "" {
				return fmt.Errorf("sequence %d test %d has empty input", i+1, j+1)
			}
		}
	}
	return nil
}

// TotalTests counts the steps across all sequences.
func TotalTests(sequences []Sequence) int {
	total := 0
	for _, seq := range sequences {
		total += len(seq.Tests)
	}
	return total
}

// ============================================================================
// TEMPLATES
// ============================================================================

// Resolve renders every templated string of the script in place.
func (s *Script) Resolve(context map[string]string) {
	s.rewrite(func(text string) string { return RenderTemplate(text, context) })
}

// ReplaceTokens substitutes every literal occurrence of a token name, such as
// INVOCATION_NAME, with its value. Longer names win over names they contain.
func (s *Script) ReplaceTokens(tokens map[string]string) {
	names := slices.Filter(SortedKeys(tokens), func(name string) bool { return name != "" })
	if len(names) == 0 {
		return
	}
	sort.SliceStable(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	pairs := make([]string, 0, 2*len(names))
	for _, name := range names {
		pairs = append(pairs, name, tokens[name])
	}
	replacer := strings.NewReplacer(pairs...)
	s.rewrite(replacer.Replace)
}

// rewrite applies fn to every text of the script that reaches the device or
// the comparator.
func (s *Script) rewrite(fn func(string) string) {
	for i := range s.Sequences {
		seq := &s.Sequences[i]
		seq.InvocationName = fn(seq.InvocationName)
		for j := range seq.Tests {
			t := &seq.Tests[j]
			t.Input = fn(t.Input)
			for k := range t.Phrases {
				t.Phrases[k] = fn(t.Phrases[k])
			}
			t.Expected = t.Expected.rewrite(fn)
		}
	}
}

func (e Expected) rewrite(fn func(string) string) Expected {
	out := Expected{
		Transcript: rewriteOptional(e.Transcript, fn),
		StreamURL:  rewriteOptional(e.StreamURL, fn),
	}
	if card, ok := e.Card.Get(); ok {
		out.Card = Some(ExpectedCard{
			MainTitle: rewriteOptional(card.MainTitle, fn),
			SubTitle:  rewriteOptional(card.SubTitle, fn),
			TextField: rewriteOptional(card.TextField, fn),
			ImageURL:  rewriteOptional(card.ImageURL, fn),
			Type:      rewriteOptional(card.Type, fn),
		})
	}
	if e.Raw != nil {
		out.Raw = make(map[string]string, len(e.Raw))
		for path, want := range e.Raw {
			out.Raw[path] = fn(want)
		}
	}
	return out
}

func rewriteOptional(o Optional[string], fn func(string) string) Optional[string] {
	if v, ok := o.Get(); ok {
		return Some(fn(v))
	}
	return o
}

func GetAllEnv() map[string]string {
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}
	return envMap
}

// RenderTemplate safely parses and executes a Raymond template.
// If parsing or execution fails, it returns the input string unchanged.
// Context values are inserted verbatim, without HTML escaping.
func RenderTemplate(input string, context map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	tmpl, err := raymond.Parse(input)
	if err != nil {
		logger.Logger.Warn("Failed to parse template", "error", err)
		return input
	}

	values := make(map[string]interface{}, len(context))
	for k, v := range context {
		values[k] = raymond.SafeString(v)
	}

	output, err := tmpl.Exec(values)
	if err != nil {
		logger.Logger.Warn("Failed to execute template", "error", err)
		return input
	}

	return output
}

// SortedKeys returns map keys in lexical order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
