package terminology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Code is one SNOMED CT concept together with the ordinal the models were trained on.
type Code struct {
	Display  string `yaml:"display" json:"display"`
	SNOMED   string `yaml:"snomed" json:"snomed"`
	Ordinal  int    `yaml:"ordinal" json:"ordinal"`
	HighRisk bool   `yaml:"high_risk" json:"high_risk"`
}

type Catalog struct {
	Genetics []Code `yaml:"genetics" json:"genetics"`
	Smoking  []Code `yaml:"smoking" json:"smoking"`
}

func Load(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Genetics) == 0 || len(cat.Smoking) == 0 {
		return Catalog{}, fmt.Errorf("terminology catalog must define genetics and smoking codes")
	}
	return cat, nil
}

// GeneticsOrdinal maps a genetic marker code to its model ordinal.
func (c Catalog) GeneticsOrdinal(code string) (int, bool) {
	return lookup(c.Genetics, code)
}

// SmokingOrdinal maps a smoking status code to its model ordinal.
func (c Catalog) SmokingOrdinal(code string) (int, bool) {
	return lookup(c.Smoking, code)
}

// IsHighRiskMarker reports whether code is one of the high-risk genetic markers.
func (c Catalog) IsHighRiskMarker(code string) bool {
	code = normalize(code)
	for _, g := range c.Genetics {
		if g.SNOMED == code {
			return g.HighRisk
		}
	}
	return false
}

// GeneticsCodes returns the SNOMED codes of every known genetic marker, none included.
func (c Catalog) GeneticsCodes() []string {
	codes := make([]string, 0, len(c.Genetics))
	for _, g := range c.Genetics {
		codes = append(codes, g.SNOMED)
	}
	return codes
}

// SmokingCodes returns the SNOMED codes of every known smoking status.
func (c Catalog) SmokingCodes() []string {
	codes := make([]string, 0, len(c.Smoking))
	for _, s := range c.Smoking {
		codes = append(codes, s.SNOMED)
	}
	return codes
}

func lookup(codes []Code, code string) (int, bool) {
	code = normalize(code)
	for _, c := range codes {
		if c.SNOMED == code {
			return c.Ordinal, true
		}
	}
	return 0, false
}

func normalize(code string) string {
	return strings.TrimSpace(code)
}

func DefaultCatalog() Catalog {
	return Catalog{
		Genetics: []Code{
			{Display: "None", SNOMED: "0", Ordinal: 0},
			{Display: "BRCA1", SNOMED: "765057007", Ordinal: 1, HighRisk: true},
			{Display: "BRCA2", SNOMED: "412734009", Ordinal: 2, HighRisk: true},
			{Display: "PALB2", SNOMED: "442525003", Ordinal: 3, HighRisk: true},
		},
		Smoking: []Code{
			{Display: "Never smoked tobacco", SNOMED: "266919005", Ordinal: 0},
			{Display: "Smoker", SNOMED: "77176002", Ordinal: 1},
		},
	}
}
