package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"
)

const statsExt = ".json"

// WriteStats persists snapshot in the stats partition and returns the
// record name. Names are ULIDs, so lexical order is chronological.
func (d *DurableTier) WriteStats(snapshot StatsSnapshot) (string, error) {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cache: encode stats: %w", err)
	}

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	name := d.newID() + statsExt
	if err := d.writeAtomic(d.fs.Join(statsDir, name), data); err != nil {
		return "", fmt.Errorf("cache: write stats: %w", err)
	}
	return name, nil
}

// ReadStats returns up to limit persisted snapshots, newest first. A limit
// of zero or less returns all of them. Unreadable records are skipped.
func (d *DurableTier) ReadStats(limit int) ([]StatsSnapshot, error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	names, err := d.statsNames()
	if err != nil {
		return nil, err
	}

	var out []StatsSnapshot
	for i := len(names) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		data, err := util.ReadFile(d.fs, d.fs.Join(statsDir, names[i]))
		if err != nil {
			continue
		}
		var s StatsSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// PruneStats deletes all but the newest keep snapshots and returns how
// many it deleted. A keep of zero or less keeps everything.
func (d *DurableTier) PruneStats(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	names, err := d.statsNames()
	if err != nil || len(names) <= keep {
		return 0, err
	}

	pruned := 0
	for _, name := range names[:len(names)-keep] {
		if err := d.fs.Remove(d.fs.Join(statsDir, name)); err != nil {
			return pruned, fmt.Errorf("cache: prune stats %s: %w", name, err)
		}
		pruned++
	}
	return pruned, nil
}

// statsNames lists snapshot file names, oldest first.
func (d *DurableTier) statsNames() ([]string, error) {
	infos, err := d.fs.ReadDir(statsDir)
	if err != nil {
		return nil, fmt.Errorf("cache: list %s: %w", statsDir, err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), statsExt) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
