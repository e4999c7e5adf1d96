package domain

import (
	"fmt"
	"strings"
)

// Name is a hierarchical X.500 party name such as
// "OU=Planet, O=Mars, L=Solar System, C=GB".
type Name struct {
	CommonName       string `cbor:"1,keyasint,omitempty"`
	OrganisationUnit string `cbor:"2,keyasint,omitempty"`
	Organisation     string `cbor:"3,keyasint"`
	Locality         string `cbor:"4,keyasint"`
	State            string `cbor:"5,keyasint,omitempty"`
	Country          string `cbor:"6,keyasint"`
}

// ParseName parses a comma separated list of attribute=value pairs.
// Attribute keys are case-insensitive; each may appear at most once.
func ParseName(s string) (Name, error) {
	var n Name
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Name{}, fmt.Errorf("malformed attribute %q in name %q", part, s)
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if seen[key] {
			return Name{}, fmt.Errorf("duplicate attribute %s in name %q", key, s)
		}
		seen[key] = true

		switch key {
		case "CN":
			n.CommonName = value
		case "OU":
			n.OrganisationUnit = value
		case "O":
			n.Organisation = value
		case "L":
			n.Locality = value
		case "ST":
			n.State = value
		case "C":
			n.Country = value
		default:
			return Name{}, fmt.Errorf("unsupported attribute %s in name %q", key, s)
		}
	}
	if err := n.Validate(); err != nil {
		return Name{}, err
	}
	return n, nil
}

// MustParseName is ParseName for static names; it panics on error.
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Validate checks the mandatory attributes: O, L and a two letter C.
func (n Name) Validate() error {
	if n.Organisation == "" {
		return fmt.Errorf("name %q: organisation (O) is required", n.String())
	}
	if n.Locality == "" {
		return fmt.Errorf("name %q: locality (L) is required", n.String())
	}
	if len(n.Country) != 2 {
		return fmt.Errorf("name %q: country (C) must be a two letter code", n.String())
	}
	return nil
}

// String renders the name in CN, OU, O, L, ST, C order, skipping empty
// attributes.
func (n Name) String() string {
	attrs := []struct{ key, value string }{
		{"CN", n.CommonName},
		{"OU", n.OrganisationUnit},
		{"O", n.Organisation},
		{"L", n.Locality},
		{"ST", n.State},
		{"C", n.Country},
	}
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		if a.value != "" {
			parts = append(parts, a.key+"="+a.value)
		}
	}
	return strings.Join(parts, ", ")
}

// MarshalText renders the canonical string form.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses the string form, so names can be written as plain
// strings in JSON and YAML documents.
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := ParseName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
