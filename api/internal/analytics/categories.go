package analytics

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	CategoryNutrition = "Deficiencias Nutricionales"
	CategoryDisease   = "Enfermedades"
	CategoryPest      = "Plagas"
	CategoryHealthy   = "Planta Saludable"
	CategoryOther     = "Otros"
)

// Categories lists every category in display order. CategoryOther is the
// catch-all and is always last.
var Categories = []string{
	CategoryNutrition,
	CategoryDisease,
	CategoryPest,
	CategoryHealthy,
	CategoryOther,
}

var knownLabels = map[string]string{
	"Deficiencia de Nitrógeno (N)":         CategoryNutrition,
	"Deficiencia de Fósforo (P)":           CategoryNutrition,
	"Deficiencia de Potasio (K)":           CategoryNutrition,
	"Deficiencia de Calcio (Ca)":           CategoryNutrition,
	"Deficiencia de Magnesio (Mg)":         CategoryNutrition,
	"Deficiencia de Hierro (Fe)":           CategoryNutrition,
	"Deficiencia de Manganeso (Mn)":        CategoryNutrition,
	"Deficiencia de Boro (B)":              CategoryNutrition,
	"Múltiples Deficiencias Nutricionales": CategoryNutrition,
	"Roya del Café":                        CategoryDisease,
	"Mancha de Phoma":                      CategoryDisease,
	"Ojo de Gallo (Cercospora)":            CategoryDisease,
	"Minador de la Hoja":                   CategoryPest,
	"Araña Roja":                           CategoryPest,
	"Planta Saludable":                     CategoryHealthy,
}

var labelIndex = func() map[string]string {
	idx := make(map[string]string, len(knownLabels))
	for label, category := range knownLabels {
		idx[normalizeLabel(label)] = category
	}
	return idx
}()

// Categorize maps a detected issue label to its category. It never fails:
// unknown labels land in CategoryOther.
func Categorize(label string) string {
	if category, ok := labelIndex[normalizeLabel(label)]; ok {
		return category
	}
	return CategoryOther
}

// KnownLabels returns the label table, for tests and the dashboard legend.
func KnownLabels() map[string]string {
	out := make(map[string]string, len(knownLabels))
	for k, v := range knownLabels {
		out[k] = v
	}
	return out
}

// EmptyCategoryCounts returns a zero count for every category.
func EmptyCategoryCounts() map[string]int {
	out := make(map[string]int, len(Categories))
	for _, c := range Categories {
		out[c] = 0
	}
	return out
}

// normalizeLabel trims, collapses inner whitespace, lower-cases and strips
// combining marks so "Roya del Cafe" and "roya del  café" match.
func normalizeLabel(label string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}
