package catalog

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Accepted header spellings, normalized to lowercase/trimmed. Catalogs arrive
// from several insurers with slightly different column names.
var headerAliases = map[string][]string{
	"code":            {"code", "act code"},
	"name":            {"name", "act", "description"},
	"price_private":   {"price_private", "amount", "price", "price private"},
	"price_insurance": {"price_insurance", "insurance price", "price insurance"},
	"department":      {"department", "dept"},
}

type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Importer loads a tariff catalog from CSV, upserting acts by code. Malformed
// rows are skipped with a warning rather than failing the whole file.
type Importer struct {
	repo   Repository
	logger zerolog.Logger
}

func NewImporter(repo Repository, logger zerolog.Logger) *Importer {
	return &Importer{repo: repo, logger: logger}
}

func (im *Importer) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	// ragged rows are a data problem per-row, not a file problem
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	idx := mapHeader(header)
	if _, ok := idx["code"]; !ok {
		return nil, fmt.Errorf("csv is missing a code column")
	}
	if _, ok := idx["name"]; !ok {
		return nil, fmt.Errorf("csv is missing a name column")
	}

	res := &ImportResult{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			im.logger.Warn().Int("line", line).Err(err).Msg("tariff import: unreadable row skipped")
			res.Skipped++
			continue
		}
		act, err := im.parseRow(record, idx)
		if err != nil {
			im.logger.Warn().Int("line", line).Err(err).Msg("tariff import: row skipped")
			res.Skipped++
			continue
		}
		created, err := im.repo.Upsert(ctx, act)
		if err != nil {
			return nil, fmt.Errorf("upsert tariff %s: %w", act.Code, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	im.logger.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Skipped).
		Msg("tariff import finished")
	return res, nil
}

func (im *Importer) parseRow(record []string, idx map[string]int) (*TariffAct, error) {
	field := func(key string) string {
		i, ok := idx[key]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	code := field("code")
	name := field("name")
	if code == "" || name == "" {
		return nil, fmt.Errorf("code and name are required")
	}

	priv, err := parsePrice(field("price_private"))
	if err != nil {
		return nil, fmt.Errorf("price_private: %w", err)
	}
	act := &TariffAct{
		Code:         code,
		Name:         name,
		Department:   field("department"),
		PricePrivate: priv,
		Active:       true,
	}
	if act.Department == "" {
		act.Department = "General"
	}
	if raw := field("price_insurance"); raw != "" {
		ins, err := parsePrice(raw)
		if err != nil {
			return nil, fmt.Errorf("price_insurance: %w", err)
		}
		act.PriceInsurance = &ins
	}
	return act, act.Validate()
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	// digit grouping by space shows up in exported sheets
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, ",", ".")
	return decimal.NewFromString(raw)
}

func mapHeader(header []string) map[string]int {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idx := make(map[string]int)
	for key, aliases := range headerAliases {
		for _, a := range aliases {
			if i, ok := byName[a]; ok {
				idx[key] = i
				break
			}
		}
	}
	return idx
}
