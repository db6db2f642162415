package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"vistara-arbiter/pkg/models"
	"vistara-arbiter/pkg/partition"
)

// Topology describes the arbitrated GPU.
//
//	separation = true
//	total_slices = 8
//	power = true
//
//	[policy]
//	name = "activity"
//	timeslice = "10ms"
//
//	[[partition]]
//	id = 0
//	profile = "4s"
type Topology struct {
	// Separation enables hardware partitions. Without it the whole GPU is
	// the only resource and partitions are ignored.
	Separation bool `toml:"separation"`
	// TotalSlices bounds the sum of partition slices. Zero means the sum of
	// the configured partitions.
	TotalSlices uint32 `toml:"total_slices"`
	// Freq is reported to VMs with every grant. Zero means unknown.
	Freq uint32 `toml:"freq"`
	// Power enables the simulated power device.
	Power  bool `toml:"power"`
	MaxVMs int  `toml:"max_vms"`

	Policy     PolicyTopology      `toml:"policy"`
	Clients    ClientsTopology     `toml:"clients"`
	Partitions []PartitionTopology `toml:"partition"`
}

// PolicyTopology selects the scheduling policy.
type PolicyTopology struct {
	Name      string    `toml:"name"`
	Timeslice *Duration `toml:"timeslice"`
	MinHold   *Duration `toml:"min_hold"`
}

// ClientsTopology configures the emulated VM drivers.
type ClientsTopology struct {
	Count               *int      `toml:"count"`
	VMBase              uint32    `toml:"vm_base"`
	RequestTimeout      *Duration `toml:"request_timeout"`
	RequestAgainTimeout *Duration `toml:"request_again_timeout"`
}

// PartitionTopology is one hardware partition.
type PartitionTopology struct {
	ID      uint32 `toml:"id"`
	Profile string `toml:"profile"`
}

// Duration decodes TOML strings such as "8ms".
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("negative duration %s", text)
	}

	d.Duration = parsed

	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadTopology reads a topology file. A missing file yields the default
// topology: one whole GPU, no power device.
func LoadTopology(fs afero.Fs, path string) (Topology, error) {
	contents, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return Topology{}, nil
	}
	if err != nil {
		return Topology{}, fmt.Errorf("reading topology %s: %w", path, err)
	}

	return ParseTopology(contents)
}

// ParseTopology decodes and validates a topology document.
func ParseTopology(contents []byte) (Topology, error) {
	var t Topology

	dec := toml.NewDecoder(bytes.NewReader(contents))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&t); err != nil {
		return Topology{}, fmt.Errorf("decoding topology: %w", err)
	}

	if err := t.Validate(); err != nil {
		return Topology{}, err
	}

	return t, nil
}

// Validate checks the partitions against the separation setting and the
// slice budget.
func (t Topology) Validate() error {
	if t.Separation && len(t.Partitions) == 0 {
		return fmt.Errorf("separation enabled without partitions")
	}

	layout, err := t.Layout()
	if err != nil {
		return err
	}

	if t.TotalSlices > 0 && layout.TotalSlices() > t.TotalSlices {
		return fmt.Errorf("partitions use %d slices, only %d available", layout.TotalSlices(), t.TotalSlices)
	}

	return nil
}

// Layout returns the partition profiles keyed by resource.
func (t Topology) Layout() (partition.Layout, error) {
	layout := make(partition.Layout, len(t.Partitions))

	for _, p := range t.Partitions {
		id := models.ResourceID(p.ID)
		if _, exists := layout[id]; exists {
			return nil, fmt.Errorf("partition %d defined twice", p.ID)
		}

		profile, err := partition.ParseProfile(p.Profile)
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", p.ID, err)
		}

		layout[id] = profile
	}

	return layout, nil
}

// Resources returns the arbitrated resources in order.
func (t Topology) Resources() []models.ResourceID {
	if !t.Separation {
		return []models.ResourceID{0}
	}

	out := make([]models.ResourceID, 0, len(t.Partitions))
	for _, p := range t.Partitions {
		out = append(out, models.ResourceID(p.ID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Slices returns the slice budget of the repartition device.
func (t Topology) Slices() uint32 {
	if t.TotalSlices > 0 {
		return t.TotalSlices
	}

	layout, err := t.Layout()
	if err != nil {
		return 0
	}

	return layout.TotalSlices()
}
