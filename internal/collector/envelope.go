package collector

import (
	"sort"

	"github.com/ph2708/sync-apis/internal/rawitem"
)

// Envelope describes how one API family wraps its result lists
type Envelope struct {
	// TopKeys are searched in order on the response object
	TopKeys []string
	// InnerKeys are searched in order inside an object found under a top key
	InnerKeys []string
	// WrapObject turns an object under a top key with no inner list into a
	// one item list instead of searching it for any list.
	WrapObject bool
}

// AuvoEnvelope covers bare lists, {result: [...]}, {result: {entityList: [...]}}
// and {data: [...]} shapes.
var AuvoEnvelope = Envelope{
	TopKeys:   []string{"result", "data", "items", "results", "rows"},
	InnerKeys: []string{"entityList", "result", "data", "items", "rows", "results"},
}

// EtracEnvelope covers {retorno: [...]}, {posicoes: [...]} and single
// terminal objects.
var EtracEnvelope = Envelope{
	TopKeys:    []string{"retorno", "posicoes", "positions", "terminal", "terminals", "data"},
	InnerKeys:  []string{"posicoes", "positions", "retorno"},
	WrapObject: true,
}

// Extract normalizes a decoded response into its flat item list. It is
// pure: the same logical list yields the same items whichever wrapper
// carried it. Non-object list entries are dropped. When several unnamed
// lists compete, the one under the lexically smallest key wins.
func (e Envelope) Extract(v interface{}) []rawitem.RawItem {
	switch t := v.(type) {
	case []interface{}:
		return toItems(t)
	case map[string]interface{}:
		return e.extractObject(t)
	}

	return []rawitem.RawItem{}
}

func (e Envelope) extractObject(obj map[string]interface{}) []rawitem.RawItem {
	for _, key := range e.TopKeys {
		val, ok := obj[key]
		if !ok {
			continue
		}

		switch inner := val.(type) {
		case []interface{}:
			return toItems(inner)
		case map[string]interface{}:
			for _, ik := range e.InnerKeys {
				if list, isList := inner[ik].([]interface{}); isList {
					return toItems(list)
				}
			}
			if e.WrapObject {
				return []rawitem.RawItem{rawitem.RawItem(inner)}
			}
			if list, found := firstList(inner); found {
				return toItems(list)
			}
		}
	}

	if list, found := firstList(obj); found {
		return toItems(list)
	}

	for _, k := range sortedKeys(obj) {
		nested, ok := obj[k].(map[string]interface{})
		if !ok {
			continue
		}
		if list, found := firstList(nested); found {
			return toItems(list)
		}
	}

	return []rawitem.RawItem{}
}

func firstList(obj map[string]interface{}) ([]interface{}, bool) {
	for _, k := range sortedKeys(obj) {
		if list, ok := obj[k].([]interface{}); ok {
			return list, true
		}
	}

	return nil, false
}

func sortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

func toItems(list []interface{}) []rawitem.RawItem {
	items := make([]rawitem.RawItem, 0, len(list))
	for _, v := range list {
		if m, ok := v.(map[string]interface{}); ok {
			items = append(items, rawitem.RawItem(m))
		}
	}

	return items
}
