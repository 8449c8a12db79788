package rule

import (
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
)

// Parse failures. Callers discard the event silently; these exist so tests
// and logs can tell the failure modes apart.
var (
	ErrNotPolicyType     = errors.New("not a policy rule event type")
	ErrNoContent         = errors.New("policy event has no content")
	ErrEmptyEntity       = errors.New("policy entity is empty or not a string")
	ErrNoRecommendation  = errors.New("policy recommendation is missing or not a string")
	ErrOpinionOutOfRange = errors.New("policy opinion must be an integer in [-100, 100]")
)

// Parse converts a policy-room state event into a Rule. Events arrive as
// untyped maps; every field is checked before use. A recognized type with an
// unrecognized recommendation string still parses, producing an inert rule
// tagged RecommendationUnknown.
func Parse(evt *event.Event) (*Rule, error) {
	kind, ok := KindForType(evt.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPolicyType, evt.Type.Type)
	}
	content := evt.Content.Raw
	if len(content) == 0 {
		return nil, ErrNoContent
	}
	entity, ok := content["entity"].(string)
	if !ok || entity == "" {
		return nil, ErrEmptyEntity
	}
	rawRecommendation, ok := content["recommendation"].(string)
	if !ok || rawRecommendation == "" {
		return nil, ErrNoRecommendation
	}
	recommendation := NormalizeRecommendation(rawRecommendation)

	var opinion int
	if recommendation == RecommendationOpinion {
		value, err := parseOpinion(content["opinion"])
		if err != nil {
			return nil, err
		}
		opinion = value
	}

	reason, _ := content["reason"].(string)
	stateKey := ""
	if evt.StateKey != nil {
		stateKey = *evt.StateKey
	}
	return &Rule{
		SourceEventID:  evt.ID,
		SourceStateKey: stateKey,
		Entity:         entity,
		Pattern:        compilePattern(kind, entity),
		Kind:           kind,
		Recommendation: recommendation,
		Reason:         reason,
		Opinion:        opinion,
	}, nil
}

// parseOpinion accepts the integer encodings JSON decoding can produce.
func parseOpinion(raw any) (int, error) {
	var value float64
	switch typed := raw.(type) {
	case float64:
		value = typed
	case int:
		value = float64(typed)
	case int64:
		value = float64(typed)
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, ErrOpinionOutOfRange
		}
		value = parsed
	default:
		return 0, ErrOpinionOutOfRange
	}
	if value != float64(int(value)) || value < -100 || value > 100 {
		return 0, ErrOpinionOutOfRange
	}
	return int(value), nil
}
