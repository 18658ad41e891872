package ingest

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/product-scout/internal/model"
)

// Document is a file of pushed records. JSON files parse too, since JSON is
// a subset of YAML.
type Document struct {
	Signals         []model.RawSignal     `yaml:"signals"`
	SupplierMatches []model.SupplierMatch `yaml:"supplier_matches"`
}

// LoadFile reads a Document from path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "ingest: parse %s", path)
	}
	return &doc, nil
}
