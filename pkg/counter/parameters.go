package counter

import (
	"net/url"
	"sort"
)

// Parameters are SUSHI query parameters.
type Parameters map[string]string

func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a new set where every layer overrides the previous ones.
// Empty values in later layers remove the key.
func Merge(layers ...Parameters) Parameters {
	out := Parameters{}
	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				delete(out, k)
				continue
			}
			out[k] = v
		}
	}
	return out
}

// Values encodes the parameters with keys in a stable order.
func (p Parameters) Values() url.Values {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, p[k])
	}
	return values
}

var defaults = map[string]map[string]Parameters{
	Version5: {
		"pr": {"attributes_to_show": "Data_Type|Access_Method"},
		"dr": {"attributes_to_show": "Data_Type|Access_Method"},
		"tr": {"attributes_to_show": "Data_Type|Section_Type|YOP|Access_Type|Access_Method"},
		"ir": {
			"attributes_to_show":     "Authors|Publication_Date|Article_Version|Data_Type|YOP|Access_Type|Access_Method",
			"include_parent_details": "False",
		},
	},
	Version51: {
		"pr": {"attributes_to_show": "Data_Type|Access_Method"},
		"dr": {"attributes_to_show": "Data_Type|Access_Method"},
		"tr": {"attributes_to_show": "Data_Type|YOP|Access_Type|Access_Method"},
		"ir": {
			"attributes_to_show":     "Authors|Publication_Date|Article_Version|Data_Type|YOP|Access_Type|Access_Method",
			"include_parent_details": "False",
		},
	},
}

func defaultParameters(version, reportID string) Parameters {
	if p, ok := defaults[version][reportID]; ok {
		return p.Clone()
	}
	return Parameters{}
}
