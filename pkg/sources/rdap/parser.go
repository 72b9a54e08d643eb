package rdap

import (
	"encoding/json"
	"fmt"
	"strings"

	"whoisrdap/pkg/model"
	"whoisrdap/pkg/util/ipcodec"
)

// Network is the typed view of an RDAP ip network object. Only the members
// needed for summaries are decoded; the stored document keeps everything.
type Network struct {
	ObjectClassName string   `json:"objectClassName"`
	Handle          string   `json:"handle"`
	StartAddress    string   `json:"startAddress"`
	EndAddress      string   `json:"endAddress"`
	IPVersion       string   `json:"ipVersion"`
	Name            string   `json:"name"`
	Type            string   `json:"type"`
	Country         string   `json:"country"`
	ParentHandle    string   `json:"parentHandle"`
	Status          []string `json:"status"`
	Entities        []Entity `json:"entities"`
	Remarks         []Remark `json:"remarks"`
	Port43          string   `json:"port43"`
}

// Entity represents an RDAP entity
type Entity struct {
	Handle     string   `json:"handle"`
	Roles      []string `json:"roles"`
	VCardArray []any    `json:"vcardArray"`
	Entities   []Entity `json:"entities"`
}

// Remark represents an RDAP remark
type Remark struct {
	Title       string   `json:"title"`
	Description []string `json:"description"`
}

// Summary is a flat description of who holds a network
type Summary struct {
	Handle       string   `json:"handle,omitempty"`
	Name         string   `json:"name,omitempty"`
	Type         string   `json:"type,omitempty"`
	Country      string   `json:"country,omitempty"`
	ParentHandle string   `json:"parent_handle,omitempty"`
	Range        string   `json:"range"`
	Prefixes     []string `json:"prefixes,omitempty"`
	Status       string   `json:"status,omitempty"`
	OrgName      string   `json:"org_name,omitempty"`
	SourceRole   string   `json:"source_role,omitempty"`
	AbuseEmail   string   `json:"abuse_email,omitempty"`
	RIR          string   `json:"rir"`
}

// DecodeNetwork converts a document into its typed view
func DecodeNetwork(doc model.Document) (*Network, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode RDAP document: %w", err)
	}
	var n Network
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("failed to decode ip network: %w", err)
	}
	return &n, nil
}

// Summarize extracts the holder of a network document. The organisation is
// taken from the entity with the strongest role, falling back to the network
// name and then to remarks.
func Summarize(doc model.Document) (*Summary, error) {
	n, err := DecodeNetwork(doc)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Handle:       n.Handle,
		Name:         n.Name,
		Type:         n.Type,
		Country:      n.Country,
		ParentHandle: n.ParentHandle,
		Range:        n.StartAddress + " - " + n.EndAddress,
		RIR:          DetermineRIR(n),
	}
	if len(n.Status) > 0 {
		s.Status = n.Status[0]
	}
	if rng, err := Range(doc); err == nil {
		s.Range = rng.String()
		for _, p := range ipcodec.Prefixes(rng) {
			s.Prefixes = append(s.Prefixes, p.String())
		}
	}
	if abuse := findRole(n.Entities, "abuse"); abuse != nil {
		s.AbuseEmail = vcardField(abuse, "email")
	}

	s.OrgName, s.SourceRole = selectOrg(n)
	return s, nil
}

var rolePriority = []string{"registrant", "administrative", "technical", "abuse"}

func selectOrg(n *Network) (string, string) {
	if e := findRole(n.Entities, "customer"); e != nil {
		if name := entityName(e); name != "" {
			return name, "customer"
		}
	}

	// Registrants carrying an ORG- handle beat person objects
	for i := range n.Entities {
		e := &n.Entities[i]
		if strings.HasPrefix(e.Handle, "ORG-") && hasRole(e, "registrant") {
			if name := entityName(e); name != "" {
				return name, "registrant"
			}
		}
	}

	for _, role := range rolePriority {
		if role == "administrative" && goodNetworkName(n.Name) {
			return n.Name, "network_name"
		}
		if e := findRole(n.Entities, role); e != nil {
			if name := entityName(e); name != "" {
				return name, role
			}
		}
	}

	for i := range n.Entities {
		if name := entityName(&n.Entities[i]); name != "" {
			return name, "entity"
		}
	}
	if n.Name != "" && !strings.HasSuffix(n.Name, "-MNT") {
		return n.Name, "network_name"
	}
	if name := orgFromRemarks(n.Remarks); name != "" {
		return name, "remark"
	}
	return "", ""
}

// goodNetworkName rejects registry codes that make poor organisation names
func goodNetworkName(name string) bool {
	return name != "" &&
		!strings.HasSuffix(name, "-MNT") &&
		len(name) > 3 &&
		!strings.HasPrefix(name, "UK-")
}

func hasRole(e *Entity, role string) bool {
	for _, r := range e.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// findRole returns the first non-maintainer entity holding role
func findRole(entities []Entity, role string) *Entity {
	for i := range entities {
		e := &entities[i]
		if strings.HasSuffix(e.Handle, "-MNT") {
			continue
		}
		if hasRole(e, role) {
			return e
		}
	}
	return nil
}

// entityName reads fn or org from the entity's vCard, then from its
// nested entities
func entityName(e *Entity) string {
	if name := vcardField(e, "fn"); name != "" {
		return name
	}
	if name := vcardField(e, "org"); name != "" {
		return name
	}
	for i := range e.Entities {
		if name := entityName(&e.Entities[i]); name != "" {
			return name
		}
	}
	return ""
}

// vcardField returns the first text value of a jCard property.
// jCard layout: ["vcard", [["fn", {}, "text", "Name"], ...]]
func vcardField(e *Entity, field string) string {
	if len(e.VCardArray) < 2 {
		return ""
	}
	props, ok := e.VCardArray[1].([]any)
	if !ok {
		return ""
	}
	for _, p := range props {
		prop, ok := p.([]any)
		if !ok || len(prop) < 4 {
			continue
		}
		if name, _ := prop[0].(string); name != field {
			continue
		}
		if v, ok := prop[3].(string); ok && v != "" {
			return CleanName(v)
		}
	}
	return ""
}

func orgFromRemarks(remarks []Remark) string {
	for _, remark := range remarks {
		for _, desc := range remark.Description {
			lower := strings.ToLower(desc)
			if strings.HasPrefix(lower, "org-name:") || strings.HasPrefix(lower, "organisation:") {
				if _, v, ok := strings.Cut(desc, ":"); ok {
					return CleanName(v)
				}
			}
		}
	}
	return ""
}

// CleanName trims quotes and collapses whitespace
func CleanName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "\"'")
	return strings.Join(strings.Fields(name), " ")
}

var rirHints = []struct{ needle, rir string }{
	{"ripe", "RIPE"},
	{"arin", "ARIN"},
	{"apnic", "APNIC"},
	{"lacnic", "LACNIC"},
	{"afrinic", "AFRINIC"},
}

// DetermineRIR guesses the registry that answered from port43 and handles
func DetermineRIR(n *Network) string {
	port43 := strings.ToLower(n.Port43)
	for _, h := range rirHints {
		if strings.Contains(port43, h.needle) {
			return h.rir
		}
	}
	handle := strings.ToUpper(n.Handle)
	for _, h := range rirHints {
		if strings.HasSuffix(handle, "-"+h.rir) {
			return h.rir
		}
	}
	return "UNKNOWN"
}
