package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/youtuneai/referral-commission-engine/internal/models"
)

type tierTableFile struct {
	Tiers []struct {
		Name             string `yaml:"name"`
		MinLifetimeSales string `yaml:"min_lifetime_sales"`
		Rate             string `yaml:"rate"`
	} `yaml:"tiers"`
}

// LoadTierTable reads the tier program from a YAML file. An empty path
// selects the built-in default table.
func LoadTierTable(path string) (*models.TierTable, error) {
	if path == "" {
		return models.DefaultTierTable(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier table: %w", err)
	}

	var file tierTableFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tier table: %w", err)
	}

	defs := make([]models.TierDefinition, 0, len(file.Tiers))
	for _, entry := range file.Tiers {
		tier, err := models.ParseTier(entry.Name)
		if err != nil {
			return nil, err
		}
		minSales, err := decimal.NewFromString(entry.MinLifetimeSales)
		if err != nil {
			return nil, fmt.Errorf("tier %s: bad min_lifetime_sales %q", entry.Name, entry.MinLifetimeSales)
		}
		rate, err := decimal.NewFromString(entry.Rate)
		if err != nil {
			return nil, fmt.Errorf("tier %s: bad rate %q", entry.Name, entry.Rate)
		}
		defs = append(defs, models.TierDefinition{Tier: tier, MinLifetimeSales: minSales, Rate: rate})
	}

	return models.NewTierTable(defs)
}
