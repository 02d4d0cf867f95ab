package extract

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/telemetry"
)

// Meta responses are model chatter about the task instead of extracted
// facts; they must never be stored as propositions.
var metaResponsePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)please provide`),
	regexp.MustCompile(`(?i)i need the text`),
	regexp.MustCompile(`(?i)i cannot extract`),
	regexp.MustCompile(`(?i)no (?:clear )?propositions`),
	regexp.MustCompile(`(?i)^as an ai`),
	regexp.MustCompile(`(?i)^here (?:are|is)`),
	regexp.MustCompile(`(?i)^sure[,!.]`),
}

var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// PropositionService extracts standalone factual statements from a text.
type PropositionService struct {
	extract   PropositionFunc
	breaker   *Breaker
	minLength int
	maxLength int
	minWords  int
	timeout   time.Duration
	log       zerolog.Logger
}

// NewPropositionService wires the callable with its breaker.
func NewPropositionService(extract PropositionFunc, cfg core.PropositionConfig, brCfg core.BreakerConfig, log zerolog.Logger, tel *telemetry.Telemetry) *PropositionService {
	return &PropositionService{
		extract:   extract,
		breaker:   NewBreaker("proposition", brCfg, log, tel),
		minLength: cfg.MinLength,
		maxLength: cfg.MaxLength,
		minWords:  cfg.MinWords,
		timeout:   cfg.Timeout,
		log:       log.With().Str("component", "proposition").Logger(),
	}
}

// Extract returns cleaned propositions. CIRCUIT_OPEN surfaces verbatim; any
// other failure becomes PROPOSITION_FAILED.
func (s *PropositionService) Extract(ctx context.Context, text string) ([]string, error) {
	const op = "extract.PropositionService.Extract"

	if strings.TrimSpace(text) == "" {
		return nil, core.E(core.KindValidation, op, "text must not be empty")
	}

	raw, err := Do(s.breaker, func() ([]string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.extract(callCtx, text)
	})
	if err != nil {
		return nil, core.Wrap(core.KindPropositionFailed, op, err)
	}

	return s.clean(raw), nil
}

// clean splits newline-shaped entries, strips bullet markers, drops meta
// responses, and enforces the word/length bounds.
func (s *PropositionService) clean(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, line := range strings.Split(entry, "\n") {
			p := bulletPrefix.ReplaceAllString(strings.TrimSpace(line), "")
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if s.isMetaResponse(p) {
				continue
			}
			if len(p) < s.minLength || len(p) > s.maxLength {
				continue
			}
			if len(strings.Fields(p)) < s.minWords {
				continue
			}
			out = append(out, p)
		}
	}
	return lo.Uniq(out)
}

func (s *PropositionService) isMetaResponse(p string) bool {
	for _, re := range metaResponsePatterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// BreakerState exposes the breaker state for stats surfaces.
func (s *PropositionService) BreakerState() string { return s.breaker.State() }
