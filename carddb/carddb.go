// Package carddb holds a small CSV-tagged table of known SD card init
// quirks (card type, OCR pattern, CCS bit, block length), used to drive the
// sdspi test harness across more than one hardcoded fake card.
package carddb

import (
	_ "embed"
	"fmt"
	"sort"

	"github.com/gocarina/gocsv"
)

//go:embed profiles.csv
var profilesCSV string

// CardProfile describes one simulated card's init-time behavior.
type CardProfile struct {
	Name     string `csv:"name"`
	Type     string `csv:"type"`
	OCRByte0 uint8  `csv:"ocr_byte0"`
	CCS      uint8  `csv:"ccs"`
	BlockLen uint16 `csv:"block_len"`
}

// IsHighCapacity reports whether this profile's OCR response sets the CCS
// bit, the bit sdspi's Init inspects in the CMD58 (READ_OCR) response.
func (p CardProfile) IsHighCapacity() bool {
	return p.CCS != 0
}

var profiles map[string]CardProfile

func init() {
	var rows []CardProfile
	if err := gocsv.UnmarshalString(profilesCSV, &rows); err != nil {
		panic(fmt.Sprintf("carddb: malformed embedded profiles.csv: %v", err))
	}

	profiles = make(map[string]CardProfile, len(rows))
	for _, row := range rows {
		profiles[row.Name] = row
	}
}

// Profile looks up a card profile by name.
func Profile(name string) (CardProfile, error) {
	p, ok := profiles[name]
	if !ok {
		return CardProfile{}, fmt.Errorf("carddb: no profile named %q", name)
	}
	return p, nil
}

// All returns every known profile, sorted by name for deterministic test
// iteration.
func All() []CardProfile {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]CardProfile, len(names))
	for i, name := range names {
		out[i] = profiles[name]
	}
	return out
}
