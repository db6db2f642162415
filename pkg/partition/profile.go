package partition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"vistara-arbiter/pkg/models"
)

// Profile describes how many slices a partition spans and which shader
// cores they expose.
type Profile struct {
	Name     string `json:"name" toml:"name"`
	Slices   uint32 `json:"slices" toml:"slices"`
	CoreMask uint32 `json:"core_mask" toml:"core_mask"`
}

// Common partition profiles
var (
	Profile1s = Profile{Name: "1s", Slices: 1, CoreMask: 0x3}
	Profile2s = Profile{Name: "2s", Slices: 2, CoreMask: 0xf}
	Profile4s = Profile{Name: "4s", Slices: 4, CoreMask: 0xff}
	Profile8s = Profile{Name: "8s", Slices: 8, CoreMask: 0xffff}
)

// ParseProfile parses a profile string like "2s" into a Profile. Custom
// profiles are written "custom.<slices>.<hex core mask>".
func ParseProfile(profileStr string) (Profile, error) {
	profileStr = strings.ToLower(strings.TrimSpace(profileStr))

	switch profileStr {
	case "1s":
		return Profile1s, nil
	case "2s":
		return Profile2s, nil
	case "4s":
		return Profile4s, nil
	case "8s":
		return Profile8s, nil
	}

	parts := strings.Split(profileStr, ".")
	if len(parts) != 3 || parts[0] != "custom" {
		return Profile{}, fmt.Errorf("unknown partition profile: %s", profileStr)
	}

	slices, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || slices == 0 {
		return Profile{}, fmt.Errorf("invalid slice count in profile %s", profileStr)
	}

	mask, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 32)
	if err != nil || mask == 0 {
		return Profile{}, fmt.Errorf("invalid core mask in profile %s", profileStr)
	}

	return Profile{Name: profileStr, Slices: uint32(slices), CoreMask: uint32(mask)}, nil
}

// Layout is the current profile of every partition.
type Layout map[models.ResourceID]Profile

// Clone returns a copy of the layout.
func (l Layout) Clone() Layout {
	out := make(Layout, len(l))
	for id, p := range l {
		out[id] = p
	}

	return out
}

// MaxConfig returns the largest slice count of any partition and the
// intersection of every partition's core mask.
func (l Layout) MaxConfig() models.MaxConfig {
	if len(l) == 0 {
		return models.MaxConfig{}
	}

	cfg := models.MaxConfig{CoreMask: ^uint32(0)}
	for _, p := range l {
		if p.Slices > cfg.Slices {
			cfg.Slices = p.Slices
		}
		cfg.CoreMask &= p.CoreMask
	}

	return cfg
}

// TotalSlices is the number of slices the layout uses.
func (l Layout) TotalSlices() uint32 {
	var total uint32
	for _, p := range l {
		total += p.Slices
	}

	return total
}

// Resources returns the partition ids in ascending order.
func (l Layout) Resources() []models.ResourceID {
	ids := make([]models.ResourceID, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
