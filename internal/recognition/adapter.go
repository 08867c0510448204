package recognition

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const unknownName = "Unknown"

// Item is one recognized food with its nutrition content.
type Item struct {
	Name     string  `json:"name"`
	Grams    float64 `json:"grams"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// Totals aggregates nutrition over all items.
type Totals struct {
	Grams    float64 `json:"grams"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
}

// Meta carries descriptive fields the service reports about the recognition.
type Meta struct {
	Model      string  `json:"model"`
	Locale     string  `json:"locale"`
	Confidence float64 `json:"confidence"`
	Dish       string  `json:"dish"`
}

// Result is the canonical shape of a recognition.
type Result struct {
	Items  []Item `json:"items"`
	Totals Totals `json:"totals"`
	Meta   Meta   `json:"meta"`
}

var (
	itemListKeys = []string{"items", "foods", "dishes", "products"}
	nameKeys     = []string{"name", "title", "food", "label"}
	gramsKeys    = []string{"grams", "weight_g", "weight", "portion_g", "portion", "serving_g"}
	caloriesKeys = []string{"calories", "kcal", "energy_kcal", "energy"}
	proteinKeys  = []string{"protein", "proteins", "protein_g"}
	fatKeys      = []string{"fat", "fats", "fat_g"}
	carbsKeys    = []string{"carbs", "carbohydrates", "carbs_g"}
	totalsKeys   = []string{"totals", "total", "summary"}
)

// Adapt maps a loosely shaped response document onto Result. It never fails:
// missing values default to zero or "Unknown", numbers are clamped at zero and
// portion weights at one gram.
func Adapt(raw map[string]any) Result {
	root := unwrap(raw)

	var res Result
	for _, entry := range firstList(root, itemListKeys) {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		res.Items = append(res.Items, adaptItem(obj))
	}
	if res.Items == nil {
		res.Items = []Item{}
	}

	sum := sumItems(res.Items)
	if totals, ok := firstMap(root, totalsKeys); ok {
		res.Totals = Totals{
			Grams:    numberOr(totals, gramsKeys, sum.Grams),
			Calories: numberOr(totals, caloriesKeys, sum.Calories),
			Protein:  numberOr(totals, proteinKeys, sum.Protein),
			Fat:      numberOr(totals, fatKeys, sum.Fat),
			Carbs:    numberOr(totals, carbsKeys, sum.Carbs),
		}
	} else {
		res.Totals = sum
	}

	if meta, ok := firstMap(root, []string{"meta", "metadata"}); ok {
		res.Meta = Meta{
			Model:      stringOr(meta, []string{"model", "model_name"}, ""),
			Locale:     stringOr(meta, []string{"locale", "lang"}, ""),
			Confidence: numberOr(meta, []string{"confidence", "score"}, 0),
			Dish:       stringOr(meta, []string{"dish", "dish_name", "title"}, ""),
		}
	}
	return res
}

// unwrap descends into a {"result": {...}} or {"data": {...}} envelope when the
// top level carries no item list of its own.
func unwrap(raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	if firstList(raw, itemListKeys) != nil {
		return raw
	}
	for _, key := range []string{"result", "data"} {
		if inner, ok := raw[key].(map[string]any); ok {
			return inner
		}
	}
	return raw
}

func adaptItem(obj map[string]any) Item {
	source := obj
	if nutrients, ok := firstMap(obj, []string{"nutrients", "nutrition"}); ok {
		source = merge(obj, nutrients)
	}
	return Item{
		Name:     stringOr(obj, nameKeys, unknownName),
		Grams:    math.Max(1, numberOr(source, gramsKeys, 0)),
		Calories: numberOr(source, caloriesKeys, 0),
		Protein:  numberOr(source, proteinKeys, 0),
		Fat:      numberOr(source, fatKeys, 0),
		Carbs:    numberOr(source, carbsKeys, 0),
	}
}

func sumItems(items []Item) Totals {
	var t Totals
	for _, it := range items {
		t.Grams += it.Grams
		t.Calories += it.Calories
		t.Protein += it.Protein
		t.Fat += it.Fat
		t.Carbs += it.Carbs
	}
	return t
}

func merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func firstList(m map[string]any, keys []string) []any {
	for _, k := range keys {
		if list, ok := m[k].([]any); ok {
			return list
		}
	}
	return nil
}

func firstMap(m map[string]any, keys []string) (map[string]any, bool) {
	for _, k := range keys {
		if inner, ok := m[k].(map[string]any); ok {
			return inner, true
		}
	}
	return nil, false
}

func stringOr(m map[string]any, keys []string, fallback string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return fallback
}

// numberOr returns the first numeric value under keys, clamped to be finite
// and non-negative, or fallback when none is present.
func numberOr(m map[string]any, keys []string, fallback float64) float64 {
	for _, k := range keys {
		v, present := m[k]
		if !present {
			continue
		}
		if f, ok := toFloat(v); ok {
			return clamp(f)
		}
	}
	return fallback
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(t, ",", ".")), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}
