package policy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/signalsfoundry/scope-scheduler/model"
)

const (
	paramsFile     = "scope_cfg.txt"
	slicingDir     = "slicing"
	policyFile     = "slice_scheduling_policy.txt"
	maskFilePrefix = "slice_allocation_mask_tenant_"
	keyDelimiter   = "::"
)

// FileFeed reads the policy from a configuration directory laid out as:
//
//	<root>/scope_cfg.txt                                  name::value
//	<root>/slicing/slice_scheduling_policy.txt            tenant::policy
//	<root>/slicing/slice_allocation_mask_tenant_<i>.txt   one mask per line
//	<root>/slicing/ul_slice_allocation_mask_tenant_<i>.txt
//
// Files are re-read on every call so external writers take effect on the
// next refresh.
type FileFeed struct {
	Root string
}

// NewFileFeed returns a feed rooted at dir.
func NewFileFeed(dir string) *FileFeed {
	return &FileFeed{Root: dir}
}

// MaskPath returns the file holding the masks of tenant.
func MaskPath(root string, tenant int, dir model.Direction) string {
	name := maskFilePrefix + strconv.Itoa(tenant) + ".txt"
	if dir == model.Uplink {
		name = "ul_" + name
	}
	return filepath.Join(root, slicingDir, name)
}

// Mask implements Feed. Line `version` of the tenant file holds the mask.
func (f *FileFeed) Mask(tenant, version int, dir model.Direction) (model.RBGMask, error) {
	lines, err := readLines(MaskPath(f.Root, tenant, dir))
	if err != nil {
		return 0, err
	}
	if version < 0 || version >= len(lines) {
		return 0, fmt.Errorf("tenant %d version %d: %w", tenant, version, ErrNotFound)
	}
	line := strings.TrimSpace(lines[version])
	if line == "" {
		return 0, fmt.Errorf("tenant %d version %d blank: %w", tenant, version, ErrNotFound)
	}
	if len(line) != model.MaxRBG {
		return 0, fmt.Errorf("tenant %d version %d has %d groups: %w", tenant, version, len(line), ErrMalformed)
	}
	mask, ok := model.ParseRBGMask(line)
	if !ok {
		return 0, fmt.Errorf("tenant %d version %d: %w", tenant, version, ErrMalformed)
	}
	return mask, nil
}

// Policy implements Feed.
func (f *FileFeed) Policy(tenant int) (model.SchedulingPolicy, error) {
	kv, err := readKeyValues(filepath.Join(f.Root, slicingDir, policyFile))
	if err != nil {
		return model.PolicyRoundRobin, err
	}
	raw, ok := kv[strconv.Itoa(tenant)]
	if !ok {
		return model.PolicyRoundRobin, fmt.Errorf("tenant %d policy: %w", tenant, ErrNotFound)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return model.PolicyRoundRobin, fmt.Errorf("tenant %d policy %q: %w", tenant, raw, ErrMalformed)
	}
	p, err := model.ParseSchedulingPolicy(v)
	if err != nil {
		return model.PolicyRoundRobin, fmt.Errorf("tenant %d: %v: %w", tenant, err, ErrMalformed)
	}
	return p, nil
}

// Param implements Feed.
func (f *FileFeed) Param(name string) (float64, error) {
	kv, err := readKeyValues(filepath.Join(f.Root, paramsFile))
	if err != nil {
		return 0, err
	}
	raw, ok := kv[name]
	if !ok {
		return 0, fmt.Errorf("param %s: %w", name, ErrNotFound)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s=%q: %w", name, raw, ErrMalformed)
	}
	return v, nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// readKeyValues parses key::value lines, skipping blanks and # comments.
func readKeyValues(path string) (map[string]string, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, keyDelimiter)
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out, nil
}
