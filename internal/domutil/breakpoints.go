// File: internal/domutil/breakpoints.go
package domutil

import (
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one breakpoint in a width-keyed dataset.
type Entry struct {
	// Width is the breakpoint key in CSS pixels.
	Width float64
	// Src is the media URL for this breakpoint, when the payload carries one.
	Src string
	// Ratio is the aspect-ratio padding percentage, when the payload carries one.
	Ratio float64
}

// Dataset is a breakpoint mapping sorted by ascending width. The zero value
// (nil) means "no data".
type Dataset []Entry

// ParseDataset decodes a width-keyed JSON attribute such as data-backgrounds
// ({"768": {"src": "b.jpg", "ratio": 56.25}}) or data-dimensions
// ({"768": 56.25}). Malformed JSON or non-numeric keys yield no data rather
// than an error; a broken attribute must never break the page.
func ParseDataset(el *html.Node, attr string) Dataset {
	raw := Attr(el, attr)
	if raw == "" {
		return nil
	}
	var decoded map[string]jsoniter.RawMessage
	if err := json.UnmarshalFromString(raw, &decoded); err != nil {
		return nil
	}

	ds := make(Dataset, 0, len(decoded))
	for key, payload := range decoded {
		width, err := strconv.ParseFloat(key, 64)
		if err != nil {
			continue
		}
		entry := Entry{Width: width}

		// The payload is either a bare URL string, a bare ratio number, or an
		// object carrying both.
		var asString string
		var asNumber float64
		var asObject struct {
			Src   string  `json:"src"`
			Ratio float64 `json:"ratio"`
		}
		switch {
		case json.Unmarshal(payload, &asObject) == nil && (asObject.Src != "" || asObject.Ratio != 0):
			entry.Src = asObject.Src
			entry.Ratio = asObject.Ratio
		case json.Unmarshal(payload, &asString) == nil:
			entry.Src = asString
		case json.Unmarshal(payload, &asNumber) == nil:
			entry.Ratio = asNumber
		default:
			continue
		}
		ds = append(ds, entry)
	}
	if len(ds) == 0 {
		return nil
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].Width < ds[j].Width })
	return ds
}

// ParseJSONMap decodes a JSON object attribute value into a generic map.
// Malformed payloads report ok=false instead of erroring; attribute JSON is
// author-controlled and must never break processing.
func ParseJSONMap(raw string) (map[string]interface{}, bool) {
	if raw == "" {
		return nil, false
	}
	var decoded map[string]interface{}
	if err := json.UnmarshalFromString(raw, &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// ActiveWidth selects the breakpoint entry for the current window width.
//
// Desktop-first compares against winWidth x pixelRatio and picks the first
// (smallest) key >= the effective width. Mobile-first compares against
// winWidth alone and picks the last (largest) key <= it. When no key
// qualifies, the fallback is the last entry if the effective width exceeds the
// largest key, otherwise the first entry. The fallback bounds are asymmetric
// relative to the two comparison directions; downstream layout depends on this
// behavior, so it stays as is.
func (ds Dataset) ActiveWidth(winWidth, pixelRatio float64, mobileFirst bool) (Entry, bool) {
	if len(ds) == 0 {
		return Entry{}, false
	}

	ww := winWidth
	if !mobileFirst {
		ww = winWidth * pixelRatio
	}

	if mobileFirst {
		// Last key <= ww.
		for i := len(ds) - 1; i >= 0; i-- {
			if ds[i].Width <= ww {
				return ds[i], true
			}
		}
	} else {
		// First key >= ww.
		for i := 0; i < len(ds); i++ {
			if ds[i].Width >= ww {
				return ds[i], true
			}
		}
	}

	if ww > ds[len(ds)-1].Width {
		return ds[len(ds)-1], true
	}
	return ds[0], true
}
