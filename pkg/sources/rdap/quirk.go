package rdap

import (
	"encoding/json"
	"regexp"

	"whoisrdap/pkg/model"
)

// Some RIPE responses for blocks registered across several countries come
// back as HTTP 400 with the block bounds in the error title.
var multipleCountryRe = regexp.MustCompile(`^Multiple country: found in (\S+) - (\S+)$`)

var dottedDecimalRe = regexp.MustCompile(`^[0-9.]+$`)

// multipleCountryNetwork turns a "Multiple country" error body into a
// minimal ip network object. ok is false for any other 400 body.
func multipleCountryNetwork(body []byte) (model.Document, bool) {
	var errObj struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(body, &errObj); err != nil {
		return nil, false
	}

	m := multipleCountryRe.FindStringSubmatch(errObj.Title)
	if m == nil {
		return nil, false
	}
	return SyntheticNetwork(m[1], m[2]), true
}

// SyntheticNetwork builds an ip network object for the bounds start and end.
// The version is v4 when start consists only of digits and dots.
func SyntheticNetwork(start, end string) model.Document {
	version := "v6"
	if dottedDecimalRe.MatchString(start) {
		version = "v4"
	}
	return model.Document{
		"objectClassName": "ip network",
		"ipVersion":       version,
		"startAddress":    start,
		"endAddress":      end,
	}
}
