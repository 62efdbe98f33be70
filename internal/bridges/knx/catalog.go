package knx

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the command catalogue: named command definitions that can be
// executed by name, plus the status points whose values the bridge tracks.
//
// Loaded from YAML:
//
//	commands:
//	  - name: hall_light_on
//	    group_address: 1/2/3
//	    command: ON
//	    dpt: "1.001"
//	status_points:
//	  - name: hall_light_status
//	    group_address: 1/2/4
//	    dpt: "1.001"
//	    poll: true
//
// A compiled Catalog is safe for concurrent reads. Merge and Compile must
// not run concurrently with lookups.
type Catalog struct {
	Commands     []CatalogCommand `yaml:"commands"`
	StatusPoints []StatusPoint    `yaml:"status_points"`

	commands map[string]Command
	points   map[GroupAddress]resolvedPoint
}

// CatalogCommand is one named command definition.
type CatalogCommand struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Definition `yaml:",inline"`
}

// StatusPoint is a group address whose value is decoded and cached.
type StatusPoint struct {
	Name         string `yaml:"name" json:"name"`
	GroupAddress string `yaml:"group_address" json:"groupAddress"`
	DPT          string `yaml:"dpt" json:"dpt"`

	// Poll requests the value with a GroupValue_Read on read_all and at
	// start-up.
	Poll bool `yaml:"poll,omitempty" json:"poll,omitempty"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type resolvedPoint struct {
	point    StatusPoint
	datatype Datatype
}

// LoadCatalog reads and compiles a catalogue file.
//
// Every command is built once through builder so that a bad definition
// fails at start-up rather than when it is first executed.
//
// Parameters:
//   - path: YAML file path
//   - builder: Command builder; nil uses the default registry
//
// Returns:
//   - *Catalog: Compiled catalogue
//   - error: Read, parse or validation failure listing every bad entry
func LoadCatalog(path string, builder *CommandBuilder) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}
	return ParseCatalog(data, builder)
}

// ParseCatalog parses and compiles catalogue YAML.
func ParseCatalog(data []byte, builder *CommandBuilder) (*Catalog, error) {
	cat := &Catalog{}
	if err := yaml.Unmarshal(data, cat); err != nil {
		return nil, fmt.Errorf("parsing catalog file: %w", err)
	}
	if err := cat.Compile(builder); err != nil {
		return nil, fmt.Errorf("validating catalog: %w", err)
	}
	return cat, nil
}

// NewCatalog compiles a catalogue from in-memory entries.
func NewCatalog(builder *CommandBuilder, commands []CatalogCommand, points []StatusPoint) (*Catalog, error) {
	cat := &Catalog{Commands: commands, StatusPoints: points}
	if err := cat.Compile(builder); err != nil {
		return nil, err
	}
	return cat, nil
}

// Compile validates every entry and builds the lookup indexes.
// All problems are collected into a single error.
func (c *Catalog) Compile(builder *CommandBuilder) error {
	if builder == nil {
		builder = NewCommandBuilder(nil)
	}

	var errs []string
	commands := make(map[string]Command, len(c.Commands))
	for i, entry := range c.Commands {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("commands[%d].name is required", i))
			continue
		}
		if !validName(name) {
			errs = append(errs, fmt.Sprintf("commands[%d].name %q may only contain letters, digits, '-' and '_'", i, name))
			continue
		}
		if _, dup := commands[name]; dup {
			errs = append(errs, fmt.Sprintf("commands[%d].name %q is duplicated", i, name))
			continue
		}
		cmd, err := builder.Build(entry.Definition)
		if err != nil {
			errs = append(errs, fmt.Sprintf("commands[%d] %q: %v", i, name, err))
			continue
		}
		commands[name] = cmd
	}

	points := make(map[GroupAddress]resolvedPoint, len(c.StatusPoints))
	for i, sp := range c.StatusPoints {
		ga, err := ParseGroupAddress(strings.TrimSpace(sp.GroupAddress))
		if err != nil {
			errs = append(errs, fmt.Sprintf("status_points[%d].group_address %q is invalid: %v", i, sp.GroupAddress, err))
			continue
		}
		dt, err := builder.Registry().Lookup(sp.DPT)
		if err != nil {
			errs = append(errs, fmt.Sprintf("status_points[%d].dpt %q: %v", i, sp.DPT, err))
			continue
		}
		if _, dup := points[ga]; dup {
			errs = append(errs, fmt.Sprintf("status_points[%d].group_address %s is duplicated", i, ga))
			continue
		}
		if sp.Name == "" {
			sp.Name = ga.String()
		}
		points[ga] = resolvedPoint{point: sp, datatype: dt}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: catalog errors: %s", ErrMalformedCommand, strings.Join(errs, "; "))
	}

	c.commands = commands
	c.points = points
	return nil
}

// Command returns the pre-built command with the given name.
func (c *Catalog) Command(name string) (Command, bool) {
	cmd, ok := c.commands[strings.TrimSpace(name)]
	return cmd, ok
}

// Entry returns the catalogue entry with the given name. Like Command it
// ignores surrounding blanks.
func (c *Catalog) Entry(name string) (CatalogCommand, bool) {
	name = strings.TrimSpace(name)
	for _, e := range c.Commands {
		if strings.TrimSpace(e.Name) == name {
			return e, true
		}
	}
	return CatalogCommand{}, false
}

// Names returns the command names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatusPoint returns the status point configured for ga and its datatype.
func (c *Catalog) StatusPoint(ga GroupAddress) (StatusPoint, Datatype, bool) {
	rp, ok := c.points[ga]
	if !ok {
		return StatusPoint{}, nil, false
	}
	return rp.point, rp.datatype, true
}

// PollAddresses returns the addresses of status points with Poll set, in
// ascending address order.
func (c *Catalog) PollAddresses() []GroupAddress {
	var out []GroupAddress
	for ga, rp := range c.points {
		if rp.point.Poll {
			out = append(out, ga)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToUint16() < out[j].ToUint16() })
	return out
}

// Merge appends status points that are not already present and
// recompiles. It returns how many points were added. On error the
// catalogue is left as it was.
func (c *Catalog) Merge(builder *CommandBuilder, points []StatusPoint) (int, error) {
	previous := slices.Clip(c.StatusPoints)

	seen := make(map[string]bool, len(c.StatusPoints))
	for _, sp := range c.StatusPoints {
		seen[normaliseGAText(sp.GroupAddress)] = true
	}

	added := 0
	for _, sp := range points {
		key := normaliseGAText(sp.GroupAddress)
		if seen[key] {
			continue
		}
		seen[key] = true
		c.StatusPoints = append(c.StatusPoints, sp)
		added++
	}
	if err := c.Compile(builder); err != nil {
		c.StatusPoints = previous
		return 0, err
	}
	return added, nil
}

// Marshal renders the catalogue as YAML.
func (c *Catalog) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshalling catalog: %w", err)
	}
	return data, nil
}

func normaliseGAText(s string) string {
	ga, err := ParseGroupAddress(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return ga.String()
}

func validName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

