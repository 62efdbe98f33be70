//nolint:goconst // Test files use repeated literals for clarity
package knx

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testCatalogYAML = `
commands:
  - name: hall_light_on
    description: Hall ceiling light
    group_address: 1/2/3
    command: ON
    dpt: "1.001"
  - name: hall_dim_half
    group_address: 1/2/5
    command: SCALE
    dpt: "5.001"
    value: "50"
  - name: hall_status
    group_address: 1/2/4
    command: STATUS
    dpt: "1.001"
status_points:
  - name: hall_light_status
    group_address: 1/2/4
    dpt: "1.001"
    poll: true
  - group_address: 3/1/0
    dpt: "9.001"
  - name: outside_temp
    group_address: 3/0/7
    dpt: DPST-9-1
    poll: true
`

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML), 0600); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	cat, err := LoadCatalog(path, nil)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	if got := cat.Names(); strings.Join(got, ",") != "hall_dim_half,hall_light_on,hall_status" {
		t.Errorf("Names() = %v", got)
	}

	cmd, ok := cat.Command("hall_light_on")
	if !ok {
		t.Fatal("hall_light_on not found")
	}
	want := GroupValueWrite{Address: GroupAddress{Main: 1, Middle: 2, Sub: 3}}
	if cmd.Destination() != want.Address {
		t.Errorf("Destination = %s, want %s", cmd.Destination(), want.Address)
	}
	if _, isWrite := cmd.(GroupValueWrite); !isWrite {
		t.Errorf("hall_light_on built %T, want GroupValueWrite", cmd)
	}

	status, _ := cat.Command("hall_status")
	if _, isRead := status.(GroupValueRead); !isRead {
		t.Errorf("hall_status built %T, want GroupValueRead", status)
	}

	entry, ok := cat.Entry("hall_light_on")
	if !ok || entry.Description != "Hall ceiling light" {
		t.Errorf("Entry() = %+v, %v", entry, ok)
	}

	if _, ok := cat.Command("missing"); ok {
		t.Error("Command(missing) should not be found")
	}
}

func TestCatalogCommandMatchesDirectBuild(t *testing.T) {
	cat, err := ParseCatalog([]byte(testCatalogYAML), nil)
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}

	direct, err := NewCommandBuilder(nil).Build(Definition{
		GroupAddress: "1/2/5", Command: "SCALE", DPT: "5.001", Value: "50",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	got, _ := cat.Command("hall_dim_half")
	if got != direct {
		t.Errorf("catalog command %v != direct build %v", got, direct)
	}
}

func TestCatalogStatusPoints(t *testing.T) {
	cat, err := ParseCatalog([]byte(testCatalogYAML), nil)
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}

	sp, dt, ok := cat.StatusPoint(GroupAddress{Main: 3, Middle: 0, Sub: 7})
	if !ok {
		t.Fatal("status point 3/0/7 not found")
	}
	if sp.Name != "outside_temp" {
		t.Errorf("Name = %q, want outside_temp", sp.Name)
	}
	if dt.ID() != "9.001" {
		t.Errorf("datatype = %s, want 9.001", dt.ID())
	}

	unnamed, _, ok := cat.StatusPoint(GroupAddress{Main: 3, Middle: 1, Sub: 0})
	if !ok || unnamed.Name != "3/1/0" {
		t.Errorf("unnamed point = %+v, %v; want name defaulted to address", unnamed, ok)
	}

	poll := cat.PollAddresses()
	if len(poll) != 2 {
		t.Fatalf("PollAddresses() = %v, want 2 entries", poll)
	}
	if poll[0].String() != "1/2/4" || poll[1].String() != "3/0/7" {
		t.Errorf("PollAddresses() = %v, want [1/2/4 3/0/7]", poll)
	}
}

func TestCatalogValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name: "missing name",
			yaml: `
commands:
  - group_address: 1/2/3
    command: ON
    dpt: "1.001"
`,
			wantErr: []string{"commands[0].name is required"},
		},
		{
			name: "duplicate name",
			yaml: `
commands:
  - {name: a, group_address: 1/2/3, command: ON, dpt: "1.001"}
  - {name: a, group_address: 1/2/4, command: OFF, dpt: "1.001"}
`,
			wantErr: []string{`commands[1].name "a" is duplicated`},
		},
		{
			name: "invalid name characters",
			yaml: `
commands:
  - {name: "hall/light", group_address: 1/2/3, command: ON, dpt: "1.001"}
`,
			wantErr: []string{"may only contain"},
		},
		{
			name: "unbuildable commands are all reported",
			yaml: `
commands:
  - {name: bad_ga, group_address: 32/0/0, command: ON, dpt: "1.001"}
  - {name: bad_dpt, group_address: 1/2/3, command: ON, dpt: "99.999"}
  - {name: bad_value, group_address: 1/2/3, command: SCALE 101, dpt: "5.001"}
`,
			wantErr: []string{`commands[0] "bad_ga"`, `commands[1] "bad_dpt"`, `commands[2] "bad_value"`},
		},
		{
			name: "bad status points",
			yaml: `
status_points:
  - {group_address: "1/2", dpt: "1.001"}
  - {group_address: 1/2/3, dpt: "unknown"}
  - {group_address: 1/2/4, dpt: "1.001"}
  - {group_address: 1/2/4, dpt: "1.001"}
`,
			wantErr: []string{
				"status_points[0].group_address",
				`status_points[1].dpt "unknown"`,
				"status_points[3].group_address 1/2/4 is duplicated",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml), nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformedCommand) {
				t.Errorf("error %v should wrap ErrMalformedCommand", err)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q missing %q", err, want)
				}
			}
		})
	}
}

func TestLoadCatalogErrors(t *testing.T) {
	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}

	if _, err := ParseCatalog([]byte("commands: [unclosed"), nil); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestCatalogMerge(t *testing.T) {
	builder := NewCommandBuilder(nil)
	cat, err := NewCatalog(builder, nil, []StatusPoint{{GroupAddress: "1/2/4", DPT: "1.001"}})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	added, err := cat.Merge(builder, []StatusPoint{
		{GroupAddress: "01/02/004", DPT: "1.001"},
		{Name: "temp", GroupAddress: "3/0/7", DPT: "9.001"},
	})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	if _, _, ok := cat.StatusPoint(GroupAddress{Main: 3, Middle: 0, Sub: 7}); !ok {
		t.Error("merged point 3/0/7 not indexed")
	}

	data, err := cat.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	again, err := ParseCatalog(data, builder)
	if err != nil {
		t.Fatalf("re-parsing marshalled catalog: %v", err)
	}
	if len(again.StatusPoints) != 2 {
		t.Errorf("re-parsed %d status points, want 2", len(again.StatusPoints))
	}
}

func TestCatalogMergeRejectedLeavesCatalogUnchanged(t *testing.T) {
	builder := NewCommandBuilder(nil)
	cat, err := NewCatalog(builder, nil, []StatusPoint{{GroupAddress: "1/2/4", DPT: "1.001"}})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}

	_, err = cat.Merge(builder, []StatusPoint{{GroupAddress: "3/0/8", DPT: "99.999"}})
	if !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("Merge with unknown DPT: err = %v, want ErrMalformedCommand", err)
	}
	if len(cat.StatusPoints) != 1 {
		t.Errorf("rejected merge left %d status points, want 1", len(cat.StatusPoints))
	}

	added, err := cat.Merge(builder, []StatusPoint{{GroupAddress: "3/0/7", DPT: "9.001"}})
	if err != nil || added != 1 {
		t.Fatalf("Merge after rejected merge = %d, %v", added, err)
	}
	if _, _, ok := cat.StatusPoint(GroupAddress{Main: 3, Middle: 0, Sub: 8}); ok {
		t.Error("rejected point 3/0/8 was indexed")
	}
}

func TestCatalogEntryIgnoresBlanks(t *testing.T) {
	cat, err := ParseCatalog([]byte(`
commands:
  - name: "porch_on "
    group_address: 1/1/1
    command: ON
    dpt: "1.001"
`), nil)
	if err != nil {
		t.Fatalf("ParseCatalog failed: %v", err)
	}

	if _, ok := cat.Command("porch_on"); !ok {
		t.Error("Command(porch_on) not found")
	}
	if e, ok := cat.Entry("porch_on"); !ok || e.GroupAddress != "1/1/1" {
		t.Errorf("Entry(porch_on) = %+v, %v", e, ok)
	}
}
