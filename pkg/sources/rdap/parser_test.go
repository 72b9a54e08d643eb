package rdap

import (
	"testing"

	"whoisrdap/pkg/model"
)

func vcard(props ...[]any) []any {
	list := []any{[]any{"version", map[string]any{}, "text", "4.0"}}
	for _, p := range props {
		list = append(list, p)
	}
	return []any{"vcard", list}
}

func entity(handle string, name string, roles ...string) map[string]any {
	r := make([]any, len(roles))
	for i, role := range roles {
		r[i] = role
	}
	return map[string]any{
		"handle":     handle,
		"roles":      r,
		"vcardArray": vcard([]any{"fn", map[string]any{}, "text", name}),
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		doc      model.Document
		wantOrg  string
		wantRole string
		wantRIR  string
	}{
		{
			name: "registrant org handle",
			doc: model.Document{
				"handle": "RIPE-NET", "name": "EXAMPLE-NET", "port43": "whois.ripe.net",
				"entities": []any{
					entity("JD1-RIPE", "John Doe", "administrative"),
					entity("ORG-EX1-RIPE", "Example GmbH", "registrant"),
				},
			},
			wantOrg: "Example GmbH", wantRole: "registrant", wantRIR: "RIPE",
		},
		{
			name: "customer beats registrant",
			doc: model.Document{
				"handle": "NET-1-2-3-0-1", "port43": "whois.arin.net",
				"entities": []any{
					entity("C0001", "Registrant Corp", "registrant"),
					entity("C0002", "Customer Inc", "customer"),
				},
			},
			wantOrg: "Customer Inc", wantRole: "customer", wantRIR: "ARIN",
		},
		{
			name: "customer beats org registrant",
			doc: model.Document{
				"handle": "RIPE-NET", "port43": "whois.ripe.net",
				"entities": []any{
					entity("ORG-EX1-RIPE", "Example GmbH", "registrant"),
					entity("CUST1-RIPE", "End Customer BV", "customer"),
				},
			},
			wantOrg: "End Customer BV", wantRole: "customer", wantRIR: "RIPE",
		},
		{
			name: "network name before admin contact",
			doc: model.Document{
				"handle": "X-APNIC", "name": "ACME-BROADBAND",
				"entities": []any{entity("ADM1-AP", "Admin Person", "administrative")},
			},
			wantOrg: "ACME-BROADBAND", wantRole: "network_name", wantRIR: "APNIC",
		},
		{
			name: "maintainers skipped",
			doc: model.Document{
				"name": "UK-X",
				"entities": []any{
					entity("EX-MNT", "Maintainer", "administrative"),
					entity("TECH1", "Tech Team", "technical"),
				},
			},
			wantOrg: "Tech Team", wantRole: "technical", wantRIR: "UNKNOWN",
		},
		{
			name: "remarks fallback",
			doc: model.Document{
				"name": "X-MNT",
				"remarks": []any{map[string]any{
					"description": []any{"some text", "org-name:  \"Remark  Org\" "},
				}},
			},
			wantOrg: "Remark Org", wantRole: "remark", wantRIR: "UNKNOWN",
		},
		{
			name:    "nothing known",
			doc:     model.Document{},
			wantRIR: "UNKNOWN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Summarize(tt.doc)
			if err != nil {
				t.Fatalf("Summarize failed: %v", err)
			}
			if s.OrgName != tt.wantOrg || s.SourceRole != tt.wantRole {
				t.Errorf("org = %q (%s), want %q (%s)", s.OrgName, s.SourceRole, tt.wantOrg, tt.wantRole)
			}
			if s.RIR != tt.wantRIR {
				t.Errorf("RIR = %s, want %s", s.RIR, tt.wantRIR)
			}
		})
	}
}

func TestSummarizeRangeAndAbuse(t *testing.T) {
	abuse := entity("ABUSE1", "Abuse Desk", "abuse")
	abuse["vcardArray"] = vcard(
		[]any{"fn", map[string]any{}, "text", "Abuse Desk"},
		[]any{"email", map[string]any{}, "text", "abuse@example.net"},
	)
	doc := model.Document{
		"ipVersion":    "v4",
		"startAddress": "192.0.2.0",
		"endAddress":   "192.0.3.127",
		"status":       []any{"active"},
		"entities":     []any{abuse},
	}

	s, err := Summarize(doc)
	if err != nil {
		t.Fatal(err)
	}
	if s.AbuseEmail != "abuse@example.net" {
		t.Errorf("AbuseEmail = %q", s.AbuseEmail)
	}
	if s.Status != "active" {
		t.Errorf("Status = %q", s.Status)
	}
	want := []string{"192.0.2.0/24", "192.0.3.0/25"}
	if len(s.Prefixes) != len(want) {
		t.Fatalf("Prefixes = %v, want %v", s.Prefixes, want)
	}
	for i := range want {
		if s.Prefixes[i] != want[i] {
			t.Errorf("Prefixes[%d] = %s, want %s", i, s.Prefixes[i], want[i])
		}
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct{ in, want string }{
		{`  "Example   Corp" `, "Example Corp"},
		{"'Quoted'", "Quoted"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanName(tt.in); got != tt.want {
			t.Errorf("CleanName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
