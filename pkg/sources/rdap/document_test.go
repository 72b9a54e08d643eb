package rdap

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"whoisrdap/pkg/model"
)

const sampleNetwork = `{
	"objectClassName": "ip network",
	"handle": "8.8.8.0 - 8.8.8.255",
	"startAddress": "8.8.8.0",
	"endAddress": "8.8.8.255",
	"ipVersion": "v4",
	"name": "GOGL",
	"port43": "whois.arin.net",
	"links": [{"rel": "self", "href": "https://rdap.arin.net/registry/ip/8.8.8.8"}],
	"events": [{"eventAction": "registration", "eventDate": "2014-03-14T16:52:05-04:00"}],
	"entities": [
		{
			"handle": "GOGL",
			"roles": ["registrant", "administrative"],
			"vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "Google LLC"]]],
			"links": [{"rel": "self", "href": "https://rdap.arin.net/registry/entity/GOGL"}],
			"entities": [
				{"handle": "ABUSE5250-ARIN", "roles": ["technical", "abuse"], "port43": 43}
			]
		}
	]
}`

func mustDecode(t *testing.T, s string) model.Document {
	t.Helper()
	doc, err := DecodeDocumentBytes([]byte(s))
	if err != nil {
		t.Fatalf("DecodeDocumentBytes failed: %v", err)
	}
	return doc
}

func TestDecodeDocument(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"object", `{"a": 1}`, false},
		{"null", `null`, true},
		{"array", `[1, 2]`, true},
		{"garbage", `{"a":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDocumentBytes([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("got err=%v, wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeDocumentKeepsNumbers(t *testing.T) {
	doc, err := DecodeDocumentBytes([]byte(`{"asn": 4294967295, "weight": 1.50, "list": [7]}`))
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := doc["asn"].(json.Number); !ok || n.String() != "4294967295" {
		t.Errorf("asn: got %T %v", doc["asn"], doc["asn"])
	}
	if n, ok := doc["weight"].(json.Number); !ok || n.String() != "1.50" {
		t.Errorf("weight: got %T %v", doc["weight"], doc["weight"])
	}
	if n, ok := doc["list"].([]any)[0].(json.Number); !ok || n.String() != "7" {
		t.Errorf("list element: got %T", doc["list"].([]any)[0])
	}

	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"asn":4294967295,"list":[7],"weight":1.50}`; string(body) != want {
		t.Errorf("re-encoded as %s, want %s", body, want)
	}
}

func TestCanonicalize(t *testing.T) {
	doc := Canonicalize(mustDecode(t, sampleNetwork))

	if _, ok := doc["links"]; ok {
		t.Error("top-level links not removed")
	}
	ent := doc["entities"].([]any)[0].(map[string]any)
	if _, ok := ent["links"]; ok {
		t.Error("entity links not removed")
	}
	if got := ent["roles"]; !reflect.DeepEqual(got, []any{"administrative", "registrant"}) {
		t.Errorf("entity roles not sorted: %v", got)
	}
	nested := ent["entities"].([]any)[0].(map[string]any)
	if got := nested["roles"]; !reflect.DeepEqual(got, []any{"abuse", "technical"}) {
		t.Errorf("nested roles not sorted: %v", got)
	}
	if _, ok := doc["events"]; !ok {
		t.Error("unrelated members must be kept")
	}

	again := Canonicalize(Clone(doc))
	if !reflect.DeepEqual(doc, again) {
		t.Error("Canonicalize is not idempotent")
	}
}

func TestNaturalKey(t *testing.T) {
	a := mustDecode(t, sampleNetwork)
	rng, err := Range(a)
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}

	// Same network fetched for another address, roles in another order
	b := mustDecode(t, sampleNetwork)
	b["links"] = []any{map[string]any{"href": "https://rdap.arin.net/registry/ip/8.8.8.200"}}
	ent := b["entities"].([]any)[0].(map[string]any)
	ent["roles"] = []any{"administrative", "registrant"}

	ka, err := NaturalKey(rng, a)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := NaturalKey(rng, b)
	if err != nil {
		t.Fatal(err)
	}
	if ka.Fingerprint != kb.Fingerprint || string(ka.Body) != string(kb.Body) {
		t.Errorf("equivalent documents produced different keys:\n%s\n%s", ka.Body, kb.Body)
	}
	if len(ka.Fingerprint) != 64 {
		t.Errorf("fingerprint length %d, want 64", len(ka.Fingerprint))
	}

	c := mustDecode(t, sampleNetwork)
	c["name"] = "GOGL-2"
	kc, _ := NaturalKey(rng, c)
	if kc.Fingerprint == ka.Fingerprint {
		t.Error("different content produced the same fingerprint")
	}

	wider := rng
	wider.High[14] = 9
	kw, _ := NaturalKey(wider, mustDecode(t, sampleNetwork))
	if kw.Fingerprint == ka.Fingerprint {
		t.Error("different range produced the same fingerprint")
	}

	if _, err := NaturalKey(model.AddrRange{Low: rng.High, High: rng.Low}, a); !errors.Is(err, model.ErrInvalidRange) {
		t.Errorf("inverted range: got %v, want ErrInvalidRange", err)
	}
}

func TestRange(t *testing.T) {
	tests := []struct {
		name      string
		doc       model.Document
		wantLow   string
		wantHigh  string
		wantError error
	}{
		{"v4", model.Document{"ipVersion": "v4", "startAddress": "8.8.8.0", "endAddress": "8.8.8.255"}, "8.8.8.0", "8.8.8.255", nil},
		{"v6", model.Document{"ipVersion": "v6", "startAddress": "2001:4860::", "endAddress": "2001:4860:ffff:ffff:ffff:ffff:ffff:ffff"}, "2001:4860::", "2001:4860:ffff:ffff:ffff:ffff:ffff:ffff", nil},
		{"v4 cidr", model.Document{"ipVersion": "v4", "startAddress": "10.0.0.0/8", "endAddress": "10.0.0.0/8"}, "10.0.0.0", "10.255.255.255", nil},
		{"missing version", model.Document{"startAddress": "8.8.8.0", "endAddress": "8.8.8.255"}, "", "", model.ErrUnsupportedVersion},
		{"unknown version", model.Document{"ipVersion": "v5", "startAddress": "8.8.8.0", "endAddress": "8.8.8.255"}, "", "", model.ErrUnsupportedVersion},
		{"inverted", model.Document{"ipVersion": "v4", "startAddress": "8.8.8.255", "endAddress": "8.8.8.0"}, "", "", model.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := Range(tt.doc)
			if tt.wantError != nil {
				if !errors.Is(err, tt.wantError) {
					t.Fatalf("got %v, want %v", err, tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := rng.Low.Addr().Unmap().String(); got != tt.wantLow {
				t.Errorf("low = %s, want %s", got, tt.wantLow)
			}
			if got := rng.High.Addr().Unmap().String(); got != tt.wantHigh {
				t.Errorf("high = %s, want %s", got, tt.wantHigh)
			}
		})
	}
}

func TestClone(t *testing.T) {
	orig := mustDecode(t, sampleNetwork)
	cp := Clone(orig)
	cp["entities"].([]any)[0].(map[string]any)["handle"] = "CHANGED"
	if orig["entities"].([]any)[0].(map[string]any)["handle"] != "GOGL" {
		t.Error("Clone shares nested state with the original")
	}
}
