package ptw

import (
	"encoding/json"
	"fmt"

	"github.com/athens-ehs/athens/internal/model"
)

// ChecklistItem is one entry of a safety or close-out checklist template.
type ChecklistItem struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// ParseTemplate accepts both template shapes used by permit types: a JSON
// list of strings (every entry required) or a list of
// {key,label,required} objects.
func ParseTemplate(raw model.JSON) ([]ChecklistItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var plain []string
	if err := json.Unmarshal(raw, &plain); err == nil {
		items := make([]ChecklistItem, 0, len(plain))
		for _, key := range plain {
			items = append(items, ChecklistItem{Key: key, Label: key, Required: true})
		}
		return items, nil
	}

	var items []ChecklistItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("checklist template is neither a string list nor an item list: %w", err)
	}
	for i := range items {
		if items[i].Label == "" {
			items[i].Label = items[i].Key
		}
	}
	return items, nil
}

// ParseState accepts the checklist state shapes a permit may carry: a
// {key: bool} map, a list of completed keys, or a list of {key,checked}
// objects. The result maps keys to their truthiness.
func ParseState(raw model.JSON) (map[string]bool, error) {
	state := make(map[string]bool)
	if len(raw) == 0 {
		return state, nil
	}

	var asMap map[string]bool
	if err := json.Unmarshal(raw, &asMap); err == nil {
		return asMap, nil
	}

	var asKeys []string
	if err := json.Unmarshal(raw, &asKeys); err == nil {
		for _, k := range asKeys {
			state[k] = true
		}
		return state, nil
	}

	var asItems []struct {
		Key     string `json:"key"`
		Checked bool   `json:"checked"`
	}
	if err := json.Unmarshal(raw, &asItems); err != nil {
		return nil, fmt.Errorf("checklist state is not a map, key list, or item list: %w", err)
	}
	for _, it := range asItems {
		state[it.Key] = it.Checked
	}
	return state, nil
}

// MissingItems returns the keys of required template entries that are not
// truthy in the state, in template order. The first entry names the item
// reported in validation errors.
func MissingItems(template []ChecklistItem, state map[string]bool) []string {
	var missing []string
	for _, item := range template {
		if item.Required && !state[item.Key] {
			missing = append(missing, item.Key)
		}
	}
	return missing
}
