package dispatch

import "regexp"

// addresses are normalized phone numbers, digits only
var addressRegex = regexp.MustCompile(`^\d{10,15}$`)
var tokenSplitRegex = regexp.MustCompile(`[\s,]+`)

// Recipient is one candidate recipient of the compose session
type Recipient struct {
	Address  string `json:"address"`
	Selected bool   `json:"selected"`
}

// AddResult buckets the tokens of one AddFromText call. Malformed and duplicate
// tokens are reported here rather than raised, so a bulk paste can surface every
// problem from a single call.
type AddResult struct {
	Added     []string `json:"added"`
	Invalid   []string `json:"invalid"`
	Duplicate []string `json:"duplicate"`
}

// Registry is the in-memory set of candidate recipients for a compose session.
// Entries are unique by address and kept in insertion order. The registry is
// owned by the controller goroutine and performs no locking of its own.
type Registry struct {
	order   []string
	entries map[string]*Recipient
}

// NewRegistry creates a new empty recipient registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Recipient)}
}

// AddFromText splits the raw input on runs of whitespace and commas and adds
// every valid, previously unseen address as a selected recipient. Tokens that
// are not 10 to 15 digits go to Invalid, tokens already present in the registry
// or earlier in the same input go to Duplicate.
func (r *Registry) AddFromText(raw string) AddResult {
	result := AddResult{}

	for _, token := range tokenSplitRegex.Split(raw, -1) {
		if token == "" {
			continue
		}
		if !addressRegex.MatchString(token) {
			result.Invalid = append(result.Invalid, token)
			continue
		}
		if _, exists := r.entries[token]; exists {
			result.Duplicate = append(result.Duplicate, token)
			continue
		}

		recipient := &Recipient{Address: token, Selected: true}
		r.entries[token] = recipient
		r.order = append(r.order, token)
		result.Added = append(result.Added, token)
	}

	return result
}

// Toggle flips the selection of the passed in address, absent addresses are a no-op
func (r *Registry) Toggle(address string) {
	if recipient, exists := r.entries[address]; exists {
		recipient.Selected = !recipient.Selected
	}
}

// Deselect clears the selection of the passed in address, absent addresses are a no-op
func (r *Registry) Deselect(address string) {
	if recipient, exists := r.entries[address]; exists {
		recipient.Selected = false
	}
}

// Remove deletes the passed in address from the registry, absent addresses are a no-op
func (r *Registry) Remove(address string) {
	if _, exists := r.entries[address]; !exists {
		return
	}
	delete(r.entries, address)
	for i, addr := range r.order {
		if addr == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SelectAll marks every recipient as selected
func (r *Registry) SelectAll() {
	for _, recipient := range r.entries {
		recipient.Selected = true
	}
}

// DeselectAll clears the selection of every recipient
func (r *Registry) DeselectAll() {
	for _, recipient := range r.entries {
		recipient.Selected = false
	}
}

// All returns every recipient in insertion order
func (r *Registry) All() []Recipient {
	all := make([]Recipient, 0, len(r.order))
	for _, addr := range r.order {
		all = append(all, *r.entries[addr])
	}
	return all
}

// Selected returns the selected recipients in insertion order
func (r *Registry) Selected() []Recipient {
	var selected []Recipient
	for _, addr := range r.order {
		if r.entries[addr].Selected {
			selected = append(selected, *r.entries[addr])
		}
	}
	return selected
}

// Len returns the number of recipients in the registry
func (r *Registry) Len() int {
	return len(r.order)
}
