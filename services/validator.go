package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"quote-check/config"
	"quote-check/models"
)

// elisionMarker replaces the middle of oversized source documents in the
// grading prompt.
const elisionMarker = "\n\n[... middle of document omitted ...]\n\n"

const gradingInstructions = `You are an expert reviewer checking whether quotations in an academic paper accurately represent their cited sources.

You are given one quotation with its surrounding context and the full text of the cited source document. Judge how faithfully the quotation reflects the source: exact matches score high, paraphrases that keep the meaning score in the middle, distortions and fabrications score low.

Respond in exactly this format, with each field on its own line:
GRADE: <integer from 1 to 100>
EXPLANATION: <one or two sentences justifying the grade>
SOURCE_TEXT: <the passage in the source that corresponds to the quotation, or NOT FOUND>
SOURCE_PAGE: <the page number of that passage, or UNKNOWN>`

var gradeNumberPattern = regexp.MustCompile(`\d+`)

// Grading is the parsed grader verdict for one quotation.
type Grading struct {
	Grade         int
	Explanation   string
	SourceExcerpt string
	SourcePage    *int
}

// Validator grades quotations against their source documents using an LLM.
type Validator struct {
	Config *config.Config
	Logger *zap.Logger
	client openai.Client
}

func NewValidator(cfg *config.Config, logger *zap.Logger) *Validator {
	return &Validator{
		Config: cfg,
		Logger: logger,
		client: openai.NewClient(option.WithAPIKey(cfg.OpenAIAPIKey)),
	}
}

// GradeQuote grades one quote against its source paper and writes the verdict
// into the quote. A returned error means the quote could not be graded; the
// analysis as a whole is unaffected.
func (v *Validator) GradeQuote(ctx context.Context, quote *models.Quote, source *models.Paper) error {
	prompt := BuildGradingPrompt(quote, source.ExtractedText, v.Config.MaxSourceChars)

	response, err := v.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        shared.ResponsesModel(v.Config.GradingModel),
		Instructions: openai.String(gradingInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
	})
	if err != nil {
		return fmt.Errorf("grading request failed: %w", err)
	}

	grading, err := ParseGrading(response.OutputText())
	if err != nil {
		return err
	}

	quote.Status = models.QuoteValidated
	quote.Grade = &grading.Grade
	quote.Explanation = grading.Explanation
	quote.SourceExcerpt = grading.SourceExcerpt
	quote.SourcePage = grading.SourcePage

	v.Logger.Debug("Quote graded",
		zap.Uint("quote_id", quote.ID),
		zap.Int("grade", grading.Grade))
	return nil
}

// BuildGradingPrompt assembles the user prompt for one quotation. Source
// documents longer than maxChars keep their head and tail with the middle
// elided, so both front matter and back matter stay visible to the grader.
func BuildGradingPrompt(quote *models.Quote, sourceText string, maxChars int) string {
	var b strings.Builder

	b.WriteString("QUOTATION:\n\"")
	b.WriteString(quote.Text)
	b.WriteString("\"\n\n")

	if quote.ContextBefore != "" || quote.ContextAfter != "" {
		b.WriteString("CONTEXT IN THE CITING PAPER:\n")
		b.WriteString(quote.ContextBefore)
		b.WriteString(" [QUOTE] ")
		b.WriteString(quote.ContextAfter)
		b.WriteString("\n\n")
	}
	if quote.ReferenceMarker != "" {
		b.WriteString("CITED AS: ")
		b.WriteString(quote.ReferenceMarker)
		b.WriteString("\n\n")
	}

	b.WriteString("SOURCE DOCUMENT:\n")
	b.WriteString(TruncateSource(sourceText, maxChars))
	return b.String()
}

// TruncateSource caps source text at maxChars by keeping the first and last
// halves and eliding the middle.
func TruncateSource(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	keep := maxChars - len(elisionMarker)
	if keep <= 0 {
		return text[:runeFloor(text, maxChars)]
	}
	head := runeFloor(text, keep/2)
	tail := runeCeil(text, len(text)-(keep-keep/2))
	return text[:head] + elisionMarker + text[tail:]
}

// runeFloor backs i up to the nearest rune boundary so a slice ending there
// never splits a multi-byte character.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil advances i to the nearest rune boundary so a slice starting there
// never begins mid-character.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// ParseGrading parses the grader's four-field answer. Fields may span
// multiple lines; later duplicates of a field are appended rather than
// replacing earlier text. A missing or non-numeric grade is an error.
func ParseGrading(out string) (Grading, error) {
	fields := map[string]*strings.Builder{
		"GRADE":       {},
		"EXPLANATION": {},
		"SOURCE_TEXT": {},
		"SOURCE_PAGE": {},
	}

	var current *strings.Builder
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		matched := false
		for name, b := range fields {
			prefix := name + ":"
			if strings.HasPrefix(strings.ToUpper(trimmed), prefix) {
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(strings.TrimSpace(trimmed[len(prefix):]))
				current = b
				matched = true
				break
			}
		}
		if !matched && current != nil && trimmed != "" {
			current.WriteString(" ")
			current.WriteString(trimmed)
		}
	}

	gradeText := fields["GRADE"].String()
	m := gradeNumberPattern.FindString(gradeText)
	if m == "" {
		return Grading{}, fmt.Errorf("unparseable grader answer: no grade in %q", gradeText)
	}
	grade, err := strconv.Atoi(m)
	if err != nil {
		return Grading{}, fmt.Errorf("unparseable grade %q: %w", m, err)
	}
	if grade < 1 {
		grade = 1
	}
	if grade > 100 {
		grade = 100
	}

	g := Grading{
		Grade:       grade,
		Explanation: fields["EXPLANATION"].String(),
	}

	excerpt := fields["SOURCE_TEXT"].String()
	if !isSentinel(excerpt) {
		g.SourceExcerpt = excerpt
	}

	pageText := fields["SOURCE_PAGE"].String()
	if !isSentinel(pageText) {
		if m := gradeNumberPattern.FindString(pageText); m != "" {
			if page, err := strconv.Atoi(m); err == nil {
				g.SourcePage = &page
			}
		}
	}

	return g, nil
}

// isSentinel recognizes the grader's "nothing found" answers.
func isSentinel(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	return s == "" || s == "NOT FOUND" || s == "UNKNOWN" || s == "N/A" || s == "NONE"
}
