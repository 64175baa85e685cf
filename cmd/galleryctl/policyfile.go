package main

import (
	"errors"
	"fmt"
	"strings"

	"darkroom/pkg/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Currency  string          `yaml:"currency"`
	Galleries []galleryPolicy `yaml:"galleries"`
}

// galleryPolicy is the YAML form of a policy. Omitted limits are unlimited.
type galleryPolicy struct {
	ID            string `yaml:"id"`
	Mode          string `yaml:"mode"`
	FreeAllowance *int   `yaml:"free_allowance"`
	UnitPrice     string `yaml:"unit_price"`
	Currency      string `yaml:"currency"`
	PerClientMax  *int   `yaml:"per_client_max"`
	GlobalMax     *int   `yaml:"global_max"`
}

// parsePolicyFile decodes and validates every gallery in raw. Duplicate ids
// are rejected so one file maps to one policy per gallery.
func parsePolicyFile(raw []byte) ([]models.Policy, error) {
	var f policyFile
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(f.Galleries) == 0 {
		return nil, errors.New("policy file lists no galleries")
	}
	seen := make(map[string]struct{}, len(f.Galleries))
	out := make([]models.Policy, 0, len(f.Galleries))
	for i, g := range f.Galleries {
		p, err := g.toPolicy(f.Currency)
		if err != nil {
			return nil, fmt.Errorf("galleries[%d]: %w", i, err)
		}
		if _, dup := seen[p.GalleryID]; dup {
			return nil, fmt.Errorf("galleries[%d]: duplicate gallery %q", i, p.GalleryID)
		}
		seen[p.GalleryID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (g galleryPolicy) toPolicy(defaultCurrency string) (models.Policy, error) {
	mode, err := models.ParseMode(g.Mode)
	if err != nil {
		return models.Policy{}, err
	}
	price := decimal.Zero
	if s := strings.TrimSpace(g.UnitPrice); s != "" {
		if price, err = decimal.NewFromString(s); err != nil {
			return models.Policy{}, fmt.Errorf("%w: unit_price %q", models.ErrInvalidPolicy, g.UnitPrice)
		}
	}
	currency := g.Currency
	if currency == "" {
		currency = defaultCurrency
	}
	if currency == "" {
		currency = "USD"
	}
	p := models.Policy{
		GalleryID:     strings.TrimSpace(g.ID),
		Mode:          mode,
		FreeAllowance: models.AllowanceFromNullable(g.FreeAllowance),
		UnitPrice:     price,
		Currency:      currency,
		PerClientMax:  models.CapFromNullable(g.PerClientMax),
		GlobalMax:     models.CapFromNullable(g.GlobalMax),
	}.Normalize()
	if err := p.Validate(); err != nil {
		return models.Policy{}, err
	}
	return p, nil
}
