package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/sources/maxmind"
	"whoisrdap/pkg/sources/rdap"
	"whoisrdap/pkg/util/ipcodec"
)

// lookupView is the JSON shape served over HTTP and printed by --pretty
type lookupView struct {
	IP       string              `json:"ip"`
	Status   string              `json:"status"`
	Reason   string              `json:"reason,omitempty"`
	RecordID model.RecordID      `json:"record_id,omitempty"`
	Range    string              `json:"range,omitempty"`
	Cached   bool                `json:"cached"`
	Summary  *rdap.Summary       `json:"summary,omitempty"`
	Routing  *maxmind.Annotation `json:"routing,omitempty"`
	RDAP     model.Document      `json:"rdap,omitempty"`
}

func (a *app) view(res model.Result) *lookupView {
	v := &lookupView{
		IP:     res.Address.Unmap().String(),
		Status: res.Status.String(),
	}
	if !res.Found() {
		v.Reason = ipcodec.Classify(res.Address).String()
		return v
	}

	v.RecordID = res.RecordID
	v.Range = res.Range.String()
	v.Cached = res.Cached
	v.RDAP = res.RDAP

	if s, err := rdap.Summarize(res.RDAP); err != nil {
		log.Warn("failed to summarize RDAP document", "ip", v.IP, "err", err)
	} else {
		v.Summary = s
	}

	if a.mmdb != nil {
		ann, err := a.mmdb.Annotate(res.Address)
		if err != nil {
			log.Debug("MaxMind lookup failed", "ip", v.IP, "err", err)
		} else if !ann.Empty() {
			v.Routing = ann
		}
	}
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHumanReadable(w io.Writer, v *lookupView) {
	fmt.Fprintf(w, "IP Address:         %s\n", v.IP)
	if v.Status != model.StatusFound.String() {
		fmt.Fprintf(w, "Status:             %s (%s)\n", v.Status, v.Reason)
		return
	}

	s := v.Summary
	if s == nil {
		s = &rdap.Summary{Range: v.Range}
	}
	fmt.Fprintf(w, "Organization:       %s\n", s.OrgName)
	if s.Name != "" {
		fmt.Fprintf(w, "Network:            %s (%s)\n", s.Name, s.Handle)
	}
	fmt.Fprintf(w, "Range:              %s\n", s.Range)
	for _, p := range s.Prefixes {
		fmt.Fprintf(w, "Prefix:             %s\n", p)
	}
	if s.Country != "" {
		fmt.Fprintf(w, "Country:            %s\n", s.Country)
	}
	fmt.Fprintf(w, "RIR:                %s\n", s.RIR)
	if s.AbuseEmail != "" {
		fmt.Fprintf(w, "Abuse:              %s\n", s.AbuseEmail)
	}
	if r := v.Routing; r != nil {
		if r.ASN != 0 {
			fmt.Fprintf(w, "ASN:                AS%d (%s)\n", r.ASN, r.ASOrg)
		}
		if r.Country != "" && r.Country != s.Country {
			fmt.Fprintf(w, "Routed Country:     %s\n", r.Country)
		}
	}
	if s.SourceRole != "" {
		fmt.Fprintf(w, "Source:             %s\n", s.SourceRole)
	}
	cached := "fetched"
	if v.Cached {
		cached = "cached"
	}
	fmt.Fprintf(w, "Record:             %s (%s)\n", v.RecordID, cached)
}
