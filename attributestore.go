package lwm2mcore

// AttributeStore holds notification attributes written via the
// Write-Attributes operation (a PUT carrying no payload, only recognized
// attribute query parameters), keyed by the exact path they were written
// at. Lookup walks up to the nearest ancestor with attributes of its own
// when the exact path has none, completing the §4.3 precedence chain
// between the request-carried layer and the account-wide defaults.
type AttributeStore struct {
	byPath map[string]Attributes
}

func NewAttributeStore() *AttributeStore {
	return &AttributeStore{byPath: make(map[string]Attributes)}
}

// Write stores attrs at the exact path p, replacing whatever was there.
func (s *AttributeStore) Write(p Path, attrs Attributes) {
	s.byPath[p.String()] = attrs
}

// At returns the attributes written exactly at p, without walking ancestors.
func (s *AttributeStore) At(p Path) (Attributes, bool) {
	a, ok := s.byPath[p.String()]
	return a, ok
}

// Lookup resolves the attributes that apply at p: those written exactly at
// p if any, else the nearest ancestor's, else the zero value.
func (s *AttributeStore) Lookup(p Path) Attributes {
	for {
		if a, ok := s.byPath[p.String()]; ok {
			return a
		}
		parent, ok := p.Parent()
		if !ok {
			return Attributes{}
		}
		p = parent
	}
}

// Clear removes any attributes written exactly at p.
func (s *AttributeStore) Clear(p Path) {
	delete(s.byPath, p.String())
}
