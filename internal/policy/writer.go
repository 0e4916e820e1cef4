package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/signalsfoundry/scope-scheduler/model"
)

// RangeMask sets groups [first, last]. A negative bound yields an empty mask.
func RangeMask(first, last int) model.RBGMask {
	var m model.RBGMask
	if first < 0 || last < 0 {
		return m
	}
	for i := first; i <= last && i < model.MaxRBG; i++ {
		m = m.Set(i)
	}
	return m
}

// EqualShareMasks splits the first available groups into consecutive equal
// shares. With three tenants the first and last tenants receive one extra
// group where one is left, compensating control channel overhead and the
// short last group.
func EqualShareMasks(available, tenants int) []model.RBGMask {
	if tenants <= 0 {
		return nil
	}
	if available > model.MaxRBG {
		available = model.MaxRBG
	}
	share := available / tenants
	masks := make([]model.RBGMask, tenants)
	var taken model.RBGMask
	for t := range masks {
		free := make([]int, 0, model.MaxRBG)
		for i := range model.MaxRBG {
			if !taken.Test(i) {
				free = append(free, i)
			}
		}
		var m model.RBGMask
		for i := 0; i < share && i < len(free); i++ {
			m = m.Set(free[i])
		}
		if tenants == 3 && (t == 0 || t == tenants-1) && share < len(free) && free[share] < available {
			m = m.Set(free[share])
		}
		masks[t] = m
		taken |= m
	}
	return masks
}

// WriteMasks writes one line per version for tenant.
func WriteMasks(root string, tenant int, dir model.Direction, versions ...model.RBGMask) error {
	var b strings.Builder
	for _, m := range versions {
		b.WriteString(m.Format(model.MaxRBG))
		b.WriteByte('\n')
	}
	return writeFile(MaskPath(root, tenant, dir), b.String())
}

// WritePolicies writes the tenant scheduling policy file.
func WritePolicies(root string, policies map[int]model.SchedulingPolicy) error {
	keys := make([]int, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString("# tenant::policy (0 round robin, 1 waterfilling, 2 proportional)\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%d%s%d\n", k, keyDelimiter, int(policies[k]))
	}
	return writeFile(filepath.Join(root, slicingDir, policyFile), b.String())
}

// WriteParams writes the scalar parameter file in key order.
func WriteParams(root string, params map[string]float64) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + keyDelimiter + strconv.FormatFloat(params[k], 'g', -1, 64) + "\n")
	}
	return writeFile(filepath.Join(root, paramsFile), b.String())
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
