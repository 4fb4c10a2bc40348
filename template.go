package dispatch

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Component types as returned by the template management API
const (
	ComponentHeader  = "HEADER"
	ComponentBody    = "BODY"
	ComponentFooter  = "FOOTER"
	ComponentButtons = "BUTTONS"
)

// TemplateStatusApproved is the only status eligible for sending
const TemplateStatusApproved = "APPROVED"

// Button is one button descriptor of a BUTTONS component
type Button struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Component is one structural block of a message template. HEADER, BODY and
// FOOTER carry optional text with zero or more {{n}} placeholders.
type Component struct {
	Type    string   `json:"type"`
	Text    string   `json:"text,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Template is one entry of the template catalog
type Template struct {
	Name       string      `json:"name"`
	Language   string      `json:"language"`
	Category   string      `json:"category"`
	Status     string      `json:"status"`
	Components []Component `json:"components"`
}

// Bindings maps a placeholder index, keyed by its decimal string form, to the
// user supplied value for it
type Bindings map[string]string

// Param is one bound parameter of a wire component
type Param struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParamComponent is the wire shape of a component with its bound parameters,
// attached to the outbound template payload
type ParamComponent struct {
	Type       string  `json:"type"`
	Parameters []Param `json:"parameters"`
}

var placeholderRegex = regexp.MustCompile(`\{\{(\d+)\}\}`)

// ExtractParams returns the distinct placeholder indices referenced in the passed
// in text, sorted ascending by numeric value. Text without placeholders, including
// empty text, yields an empty result.
func ExtractParams(text string) []int {
	matches := placeholderRegex.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[int]bool, len(matches))
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices
}

// AllParams unions ExtractParams over every component's text, deduplicated and
// sorted ascending. These are the indices a complete binding must fill.
func AllParams(components []Component) []int {
	seen := make(map[int]bool)
	var indices []int
	for _, comp := range components {
		for _, n := range ExtractParams(comp.Text) {
			if !seen[n] {
				seen[n] = true
				indices = append(indices, n)
			}
		}
	}
	sort.Ints(indices)
	return indices
}

// BindComponents substitutes bound values into every placeholder occurrence of
// every component's text. Placeholders without a non-empty binding are left as
// literal text, so this can render live previews of partially filled templates.
func BindComponents(components []Component, bindings Bindings) []Component {
	bound := make([]Component, len(components))
	for i, comp := range components {
		bound[i] = comp
		if comp.Text == "" {
			continue
		}
		bound[i].Text = placeholderRegex.ReplaceAllStringFunc(comp.Text, func(match string) string {
			key := placeholderRegex.FindStringSubmatch(match)[1]
			if value := bindings[key]; value != "" {
				return value
			}
			return match
		})
	}
	return bound
}

// RequireComplete returns the placeholder indices that have no non-blank binding
// value, sorted ascending. An empty result means the bindings are complete and
// the components are ready for submission.
func RequireComplete(components []Component, bindings Bindings) []int {
	var missing []int
	for _, n := range AllParams(components) {
		if strings.TrimSpace(bindings[strconv.Itoa(n)]) == "" {
			missing = append(missing, n)
		}
	}
	return missing
}

// ParamBlocks builds the ordered wire parameter components for the passed in
// template components. Only HEADER and BODY components that reference at least
// one placeholder contribute a block, with parameters ordered by ascending
// placeholder index within that component.
func ParamBlocks(components []Component, bindings Bindings) []ParamComponent {
	var blocks []ParamComponent
	for _, compType := range []string{ComponentHeader, ComponentBody} {
		comp := findComponent(components, compType)
		if comp == nil {
			continue
		}
		indices := ExtractParams(comp.Text)
		if len(indices) == 0 {
			continue
		}

		block := ParamComponent{Type: strings.ToLower(compType)}
		for _, n := range indices {
			block.Parameters = append(block.Parameters, Param{Type: "text", Text: bindings[strconv.Itoa(n)]})
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func findComponent(components []Component, compType string) *Component {
	for i := range components {
		if strings.EqualFold(components[i].Type, compType) && components[i].Text != "" {
			return &components[i]
		}
	}
	return nil
}
