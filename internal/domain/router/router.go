// Package router matches inbound chat text against code patterns and answers
// with the resolved term.
package router

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/termbot/internal/domain/codesystem"
	"github.com/ehr/termbot/internal/domain/lookup"
	"github.com/ehr/termbot/internal/platform/chat"
)

// Patterns are matched against the whole message text.
var (
	ICD10Pattern  = regexp.MustCompile(`^[A-Z][0-9][0-9AB]\.?[0-9A-TV-Z]{0,4}$`)
	SNOMEDPattern = regexp.MustCompile(`^\d{6,}$`)
)

// Rule binds a pattern to a code system and a reply template with one %s
// verb for the term.
type Rule struct {
	System   string
	Pattern  *regexp.Regexp
	Template string
}

// Reply renders the rule's template for term.
func (r Rule) Reply(term string) string {
	return fmt.Sprintf(r.Template, term)
}

// DefaultRules returns the ICD-10 and SNOMED-CT rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			System:   codesystem.ICD10,
			Pattern:  ICD10Pattern,
			Template: "Did you know that, according to the WHO, this is the ICD-10 code for \"%s\". ☝️🤓",
		},
		{
			System:   codesystem.SNOMEDCT,
			Pattern:  SNOMEDPattern,
			Template: "That looks suspiciously like the SNOMED-CT concept ID for \"%s\". ☝️🤓",
		},
	}
}

// Lookuper resolves codes. *lookup.Service implements it.
type Lookuper interface {
	Lookup(ctx context.Context, system, code string) lookup.Result
}

// Router dispatches messages to the first matching rule.
type Router struct {
	rules  []Rule
	lookup Lookuper
	logger zerolog.Logger
}

// New creates a Router. Rules whose code system is not in store are dropped
// with a warning so the bot can run with a subset of systems configured.
func New(ctx context.Context, rules []Rule, store codesystem.Store, lk Lookuper, logger zerolog.Logger) *Router {
	logger = logger.With().Str("component", "router").Logger()
	active := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if _, err := store.Get(ctx, r.System); err != nil {
			logger.Warn().Str("code_system", r.System).Msg("code system not configured, rule disabled")
			continue
		}
		active = append(active, r)
	}
	return &Router{rules: active, lookup: lk, logger: logger}
}

// Rules returns the active rules.
func (r *Router) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Route returns the rule matching text, if any.
func (r *Router) Route(text string) (Rule, bool) {
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(text) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Handle resolves a matching message and returns the reply text. ok is false
// when the message matches no rule or the lookup produced no term; nothing
// should be sent in that case.
func (r *Router) Handle(ctx context.Context, msg chat.Message) (string, bool) {
	rule, matched := r.Route(msg.Text)
	if !matched {
		return "", false
	}

	log := r.logger.With().
		Str("lookup_id", uuid.NewString()).
		Str("code_system", rule.System).
		Str("code", msg.Text).
		Int64("chat_id", msg.ChatID).
		Logger()
	log.Info().Msg("message matched")

	res := r.lookup.Lookup(ctx, rule.System, msg.Text)
	switch res.Outcome {
	case lookup.Found:
		log.Info().Str("term", res.Term).Bool("cached", res.Cached).Msg("term resolved")
		return rule.Reply(res.Term), true
	case lookup.NotFound:
		log.Info().Int("status", res.Status).Msg("no term found")
	default:
		log.Error().Err(res.Err).Msg("lookup failed")
	}
	return "", false
}

// HandleMessage implements chat.Handler.
func (r *Router) HandleMessage(ctx context.Context, msg chat.Message, sender chat.Sender) {
	text, ok := r.Handle(ctx, msg)
	if !ok {
		return
	}
	err := sender.Send(ctx, chat.Reply{ChatID: msg.ChatID, ReplyToID: msg.ID, Text: text})
	if err != nil {
		r.logger.Error().Err(err).Int64("chat_id", msg.ChatID).Msg("send reply")
	}
}
