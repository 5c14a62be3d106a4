package commons

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/antonholmquist/jason"
	"github.com/kbnl/beeldbank-commons/internal/wikitext"
)

// Claim is an existing statement on a media entity.
type Claim struct {
	ID       string
	Property string
	// Qualifiers holds the properties of the claim's qualifiers.
	Qualifiers map[string]bool
}

// Entity is the structured data of a file as far as the pipeline needs it.
type Entity struct {
	ID      string
	Missing bool
	Labels  map[string]string
	Claims  map[string][]Claim
}

// HasProperty reports whether at least one claim uses prop.
func (e *Entity) HasProperty(prop string) bool {
	return len(e.Claims[prop]) > 0
}

// Entity fetches labels and statements of a media entity. MediaInfo entities
// without structured data come back as missing; that is not an error.
func (c *Client) Entity(ctx context.Context, mid string) (*Entity, error) {
	resp, err := c.get(ctx, url.Values{"action": {"wbgetentities"}, "ids": {mid}})
	if err != nil {
		return nil, err
	}

	obj, err := resp.GetObject("entities", mid)
	if err != nil {
		return nil, fmt.Errorf("entity %s missing from wbgetentities response: %w", mid, err)
	}
	return parseEntity(mid, obj), nil
}

func parseEntity(mid string, obj *jason.Object) *Entity {
	e := &Entity{ID: mid, Labels: map[string]string{}, Claims: map[string][]Claim{}}
	if _, err := obj.GetValue("missing"); err == nil {
		e.Missing = true
	}

	// Empty label and statement maps are serialised as [].
	if labels, err := obj.GetObject("labels"); err == nil {
		for lang, v := range labels.Map() {
			lo, err := v.Object()
			if err != nil {
				continue
			}
			if text, err := lo.GetString("value"); err == nil {
				e.Labels[lang] = text
			}
		}
	}

	statements, err := obj.GetObject("statements")
	if err != nil {
		statements, err = obj.GetObject("claims")
	}
	if err != nil {
		return e
	}
	for prop, v := range statements.Map() {
		claims, err := v.ObjectArray()
		if err != nil {
			continue
		}
		for _, co := range claims {
			claim := Claim{Property: prop, Qualifiers: map[string]bool{}}
			claim.ID, _ = co.GetString("id")
			if quals, err := co.GetObject("qualifiers"); err == nil {
				for qp := range quals.Map() {
					claim.Qualifiers[qp] = true
				}
			}
			e.Claims[prop] = append(e.Claims[prop], claim)
		}
	}
	return e
}

// SetLabel sets the caption of a media entity in one language.
func (c *Client) SetLabel(ctx context.Context, mid, language, text string) error {
	_, err := c.write(ctx, url.Values{
		"action":   {"wbsetlabel"},
		"id":       {mid},
		"language": {language},
		"value":    {text},
		"summary":  {"Adding caption"},
	})
	if err != nil {
		return fmt.Errorf("failed to set %s caption on %s: %w", language, mid, err)
	}
	return nil
}

// CreateClaim adds a statement and returns its claim id.
func (c *Client) CreateClaim(ctx context.Context, mid, property string, value wikitext.Value) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s value: %w", property, err)
	}

	resp, err := c.write(ctx, url.Values{
		"action":   {"wbcreateclaim"},
		"entity":   {mid},
		"property": {property},
		"snaktype": {"value"},
		"value":    {string(payload)},
		"summary":  {"Adding structured data"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create %s claim on %s: %w", property, mid, err)
	}

	id, err := resp.GetString("claim", "id")
	if err != nil {
		return "", fmt.Errorf("no claim id in wbcreateclaim response for %s: %w", property, err)
	}
	return id, nil
}

// SetQualifier adds a qualifier to an existing claim.
func (c *Client) SetQualifier(ctx context.Context, claimID, property string, value wikitext.Value) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s value: %w", property, err)
	}

	_, err = c.write(ctx, url.Values{
		"action":   {"wbsetqualifier"},
		"claim":    {claimID},
		"property": {property},
		"snaktype": {"value"},
		"value":    {string(payload)},
		"summary":  {"Adding qualifier"},
	})
	if err != nil {
		return fmt.Errorf("failed to set %s qualifier on %s: %w", property, claimID, err)
	}
	return nil
}
