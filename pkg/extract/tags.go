package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/robomem/robomem/pkg/core"
	"github.com/robomem/robomem/pkg/telemetry"
)

// TagService proposes hierarchical tag paths for a text. The raw response
// may be a list or a newline-separated blob; both shapes are normalised
// before validation.
type TagService struct {
	extract  TagExtractFunc
	breaker  *Breaker
	maxDepth int
	timeout  time.Duration
	log      zerolog.Logger
}

// NewTagService wires the callable with its breaker.
func NewTagService(extract TagExtractFunc, cfg core.TagConfig, brCfg core.BreakerConfig, log zerolog.Logger, tel *telemetry.Telemetry) *TagService {
	return &TagService{
		extract:  extract,
		breaker:  NewBreaker("tag", brCfg, log, tel),
		maxDepth: cfg.MaxDepth,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "tag").Logger(),
	}
}

// Extract returns validated, deduplicated tag paths. Entries that fail the
// path grammar, exceed the depth bound, repeat a segment, or close the loop
// (root == leaf) are dropped silently. CIRCUIT_OPEN surfaces verbatim; any
// other failure becomes TAG_FAILED.
func (s *TagService) Extract(ctx context.Context, text string, ontology []string) ([]string, error) {
	const op = "extract.TagService.Extract"

	if strings.TrimSpace(text) == "" {
		return nil, core.E(core.KindValidation, op, "text must not be empty")
	}

	raw, err := Do(s.breaker, func() ([]string, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.extract(callCtx, text, ontology)
	})
	if err != nil {
		return nil, core.Wrap(core.KindTagFailed, op, err)
	}

	return s.clean(raw), nil
}

// clean flattens newline-shaped entries, lowercases, validates, and dedups
// while preserving response order.
func (s *TagService) clean(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		for _, line := range strings.Split(entry, "\n") {
			tag := strings.ToLower(strings.TrimSpace(line))
			tag = strings.Trim(tag, "\"'`,")
			if tag == "" {
				continue
			}
			if !core.ValidTagName(tag, s.maxDepth) {
				continue
			}
			out = append(out, tag)
		}
	}
	return lo.Uniq(out)
}

// BreakerState exposes the breaker state for stats surfaces.
func (s *TagService) BreakerState() string { return s.breaker.State() }
