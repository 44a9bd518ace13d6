package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/oklog/ulid/v2"
)

// Store layout under the durable root.
const (
	payloadDir = "payload"
	metaDir    = "meta"
	statsDir   = "stats"
	tmpDir     = "tmp"

	payloadExt = ".bin"
	metaExt    = ".json"
)

// Metadata is the side record stored next to each durable payload. Its
// presence implies the payload was fully written.
type Metadata struct {
	Key       string         `json:"key"`
	Category  string         `json:"category"`
	CreatedAt time.Time      `json:"created_at"`
	Params    map[string]any `json:"params,omitempty"`
	Policy    Policy         `json:"policy"`
	Size      int64          `json:"size"`
	Checksum  string         `json:"checksum"`
}

// Expired reports whether the record is past its policy's MaxAge at now.
func (m Metadata) Expired(now time.Time) bool {
	return m.Policy.Expired(m.CreatedAt, now)
}

// DurableConfig configures a DurableTier.
type DurableConfig struct {
	// MaxBytes caps total payload bytes. Zero or less means unbounded.
	MaxBytes int64

	// PriorityWeight, AgeDivisor, and SizeDivisor shape the eviction score
	// priority*PriorityWeight - age_seconds/AgeDivisor - size/SizeDivisor.
	// Defaults: 10, 3600 (hours), 1 MiB
	PriorityWeight float64
	AgeDivisor     float64
	SizeDivisor    float64

	// TargetRatio is the share of MaxBytes that capacity enforcement evicts
	// down to. Default: 0.8
	TargetRatio float64

	// Now supplies the current time. Default: time.Now
	Now func() time.Time
}

// DurableTier stores payloads and metadata records on a billy filesystem.
//
// Writes stage each artifact in tmp/ and rename it into place, payload
// first, so a visible metadata record always points at a complete payload.
// Removal deletes metadata first. Readers that find one artifact without
// the other treat the entry as a miss and remove the leftover.
type DurableTier struct {
	fs     billy.Filesystem
	config DurableConfig

	mu        sync.RWMutex
	usedBytes int64

	statsMu sync.Mutex
}

// NewDurableTier opens a durable tier rooted at fs, creating the layout
// directories and counting existing payload bytes.
func NewDurableTier(fs billy.Filesystem, config DurableConfig) (*DurableTier, error) {
	if config.PriorityWeight <= 0 {
		config.PriorityWeight = 10
	}
	if config.AgeDivisor <= 0 {
		config.AgeDivisor = 3600
	}
	if config.SizeDivisor <= 0 {
		config.SizeDivisor = 1 << 20
	}
	if config.TargetRatio <= 0 || config.TargetRatio > 1 {
		config.TargetRatio = 0.8
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	for _, dir := range []string{payloadDir, metaDir, statsDir, tmpDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cache: create %s directory: %w", dir, err)
		}
	}

	d := &DurableTier{fs: fs, config: config}
	if _, err := d.Recount(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DurableTier) payloadPath(key string) string {
	return d.fs.Join(payloadDir, key+payloadExt)
}

func (d *DurableTier) metaPath(key string) string {
	return d.fs.Join(metaDir, key+metaExt)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (d *DurableTier) newID() string {
	return ulid.MustNew(ulid.Timestamp(d.config.Now()), ulid.DefaultEntropy()).String()
}

// Get returns the payload and metadata stored under key for category.
//
// It returns ErrNotFound when there is no record, the record belongs to a
// different category, or it has expired; the payload is not read in those
// cases. ErrOrphanedEntry and ErrCorruptEntry mean the entry was unusable
// and has been removed, including a payload left without metadata.
func (d *DurableTier) Get(key, category string) ([]byte, Metadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, Metadata{}, err
	}

	d.mu.RLock()
	meta, err := d.readMeta(key)
	if err != nil {
		stray := false
		if errors.Is(err, os.ErrNotExist) {
			_, statErr := d.fs.Stat(d.payloadPath(key))
			stray = statErr == nil
		}
		d.mu.RUnlock()

		switch {
		case stray:
			if removed, _ := d.discardStrayPayload(key); removed {
				return nil, Metadata{}, fmt.Errorf("%w: %s has no metadata", ErrOrphanedEntry, key)
			}
			return nil, Metadata{}, ErrNotFound
		case errors.Is(err, os.ErrNotExist):
			return nil, Metadata{}, ErrNotFound
		case errors.Is(err, ErrCorruptEntry):
			_, _ = d.discard(key, isCorrupt)
		}
		return nil, Metadata{}, err
	}

	if meta.Category != category || meta.Expired(d.config.Now()) {
		d.mu.RUnlock()
		return nil, Metadata{}, ErrNotFound
	}

	payload, err := util.ReadFile(d.fs, d.payloadPath(key))
	d.mu.RUnlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_, _ = d.discard(key, sameEntry(meta.CreatedAt))
			return nil, Metadata{}, fmt.Errorf("%w: %s has no payload", ErrOrphanedEntry, key)
		}
		return nil, Metadata{}, fmt.Errorf("cache: read payload %s: %w", key, err)
	}

	if int64(len(payload)) != meta.Size || checksum(payload) != meta.Checksum {
		_, _ = d.discard(key, sameEntry(meta.CreatedAt))
		return nil, Metadata{}, fmt.Errorf("%w: %s payload checksum mismatch", ErrCorruptEntry, key)
	}

	return payload, meta, nil
}

// Put replaces the entry under key. Key, Size, and Checksum in meta are
// filled in from the arguments; a zero CreatedAt is set to now.
func (d *DurableTier) Put(key string, payload []byte, meta Metadata) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	meta.Key = key
	meta.Size = int64(len(payload))
	meta.Checksum = checksum(payload)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = d.config.Now()
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encode metadata %s: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.removeLocked(key); err != nil {
		return err
	}

	if err := d.writeAtomic(d.payloadPath(key), payload); err != nil {
		return fmt.Errorf("cache: write payload %s: %w", key, err)
	}
	d.usedBytes += meta.Size

	if err := d.writeAtomic(d.metaPath(key), metaBytes); err != nil {
		_, _ = d.removeLocked(key)
		return fmt.Errorf("cache: write metadata %s: %w", key, err)
	}

	return nil
}

// Delete removes both artifacts for key and reports whether either existed.
func (d *DurableTier) Delete(key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(key)
}

// DeleteCategory removes every entry whose metadata category equals
// category and returns the removed keys.
func (d *DurableTier) DeleteCategory(category string) ([]string, error) {
	metas, _, err := d.snapshot()
	if err != nil {
		return nil, err
	}
	return d.removeMatching(metas, func(m Metadata) bool {
		return m.Category == category
	})
}

// Clear removes every entry and returns the removed keys.
func (d *DurableTier) Clear() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make(map[string]struct{})
	for _, dir := range []struct{ path, ext string }{{metaDir, metaExt}, {payloadDir, payloadExt}} {
		infos, err := d.fs.ReadDir(dir.path)
		if err != nil {
			return nil, fmt.Errorf("cache: list %s: %w", dir.path, err)
		}
		for _, info := range infos {
			if !info.IsDir() && strings.HasSuffix(info.Name(), dir.ext) {
				keys[strings.TrimSuffix(info.Name(), dir.ext)] = struct{}{}
			}
		}
	}

	removed := make([]string, 0, len(keys))
	var errs []error
	for key := range keys {
		if _, err := d.removeLocked(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, key)
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}

// Scan calls fn with each readable metadata record, in key order, until fn
// returns false. Records are snapshotted first, so fn may call back into
// the tier.
func (d *DurableTier) Scan(fn func(Metadata) bool) error {
	metas, _, err := d.snapshot()
	for _, m := range metas {
		if !fn(m) {
			break
		}
	}
	return err
}

// EvictExpired removes every expired entry and returns how many it removed.
func (d *DurableTier) EvictExpired() (int, error) {
	metas, _, err := d.snapshot()
	if err != nil {
		return 0, err
	}

	now := d.config.Now()
	removed, err := d.removeMatching(metas, func(m Metadata) bool {
		return m.Expired(now)
	})
	return len(removed), err
}

type durableCandidate struct {
	meta  Metadata
	score float64
}

// EnforceCapacity evicts the lowest-scoring entries once payload bytes
// exceed MaxBytes, stopping at TargetRatio*MaxBytes. It returns the number
// of entries evicted. Below the cap it does no I/O.
func (d *DurableTier) EnforceCapacity() (int, error) {
	if d.config.MaxBytes <= 0 || d.Usage() <= d.config.MaxBytes {
		return 0, nil
	}

	metas, _, err := d.snapshot()
	if err != nil {
		return 0, err
	}

	now := d.config.Now()
	candidates := make([]durableCandidate, len(metas))
	for i, m := range metas {
		candidates[i] = durableCandidate{meta: m, score: d.score(m, now)}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].meta.CreatedAt.Before(candidates[j].meta.CreatedAt)
	})

	target := int64(float64(d.config.MaxBytes) * d.config.TargetRatio)
	evicted := 0
	for _, c := range candidates {
		if d.Usage() <= target {
			break
		}
		ok, err := d.discard(c.meta.Key, sameEntry(c.meta.CreatedAt))
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted++
		}
	}
	return evicted, nil
}

func (d *DurableTier) score(m Metadata, now time.Time) float64 {
	age := now.Sub(m.CreatedAt).Seconds()
	return float64(m.Policy.Priority)*d.config.PriorityWeight -
		age/d.config.AgeDivisor -
		float64(m.Size)/d.config.SizeDivisor
}

// SweepOrphans removes leftovers of interrupted writes: payloads without
// metadata, metadata without payloads or that cannot be decoded, and staged
// files in tmp/. Payloads and staged files younger than grace are kept.
// It returns the number of artifacts removed.
//
// A staged file's age comes from the ULID in its name, which is stamped
// with the configured clock. Payload age comes from the file's ModTime and
// is measured against the wall clock, as are staged files whose names do
// not parse.
func (d *DurableTier) SweepOrphans(grace time.Duration) (int, error) {
	now, wall := d.config.Now(), time.Now()
	older := func(at, now time.Time) bool {
		return grace <= 0 || now.Sub(at) >= grace
	}
	stalePayload := func(info os.FileInfo) bool {
		return older(info.ModTime(), wall)
	}
	staleStaged := func(info os.FileInfo) bool {
		if at, ok := stagedAt(info.Name()); ok {
			return older(at, now)
		}
		return older(info.ModTime(), wall)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	var errs []error

	payloads, err := d.fs.ReadDir(payloadDir)
	if err != nil {
		return 0, fmt.Errorf("cache: list %s: %w", payloadDir, err)
	}
	for _, info := range payloads {
		if info.IsDir() || !strings.HasSuffix(info.Name(), payloadExt) || !stalePayload(info) {
			continue
		}
		key := strings.TrimSuffix(info.Name(), payloadExt)
		if _, err := d.fs.Stat(d.metaPath(key)); !errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := d.fs.Remove(d.payloadPath(key)); err != nil {
			errs = append(errs, err)
			continue
		}
		d.usedBytes -= info.Size()
		removed++
	}

	metas, err := d.fs.ReadDir(metaDir)
	if err != nil {
		return removed, fmt.Errorf("cache: list %s: %w", metaDir, err)
	}
	for _, info := range metas {
		if info.IsDir() || !strings.HasSuffix(info.Name(), metaExt) {
			continue
		}
		key := strings.TrimSuffix(info.Name(), metaExt)
		_, metaErr := d.readMeta(key)
		_, statErr := d.fs.Stat(d.payloadPath(key))
		orphaned := metaErr == nil && errors.Is(statErr, os.ErrNotExist)
		if !orphaned && !errors.Is(metaErr, ErrCorruptEntry) {
			continue
		}
		if _, err := d.removeLocked(key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	staged, err := d.fs.ReadDir(tmpDir)
	if err != nil {
		return removed, fmt.Errorf("cache: list %s: %w", tmpDir, err)
	}
	for _, info := range staged {
		if info.IsDir() || !staleStaged(info) {
			continue
		}
		if err := d.fs.Remove(d.fs.Join(tmpDir, info.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if d.usedBytes < 0 {
		d.usedBytes = 0
	}
	return removed, errors.Join(errs...)
}

// Recount rescans payload sizes, resets the running usage estimate, and
// returns it.
func (d *DurableTier) Recount() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos, err := d.fs.ReadDir(payloadDir)
	if err != nil {
		return 0, fmt.Errorf("cache: list %s: %w", payloadDir, err)
	}

	var total int64
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), payloadExt) {
			total += info.Size()
		}
	}
	d.usedBytes = total
	return total, nil
}

// Usage returns the running estimate of payload bytes.
func (d *DurableTier) Usage() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.usedBytes
}

// Capacity returns the configured byte cap, or zero when unbounded.
func (d *DurableTier) Capacity() int64 {
	return d.config.MaxBytes
}

// readMeta must be called with mu held.
func (d *DurableTier) readMeta(key string) (Metadata, error) {
	data, err := util.ReadFile(d.fs, d.metaPath(key))
	if err != nil {
		return Metadata{}, err
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: metadata %s: %v", ErrCorruptEntry, key, err)
	}
	if meta.Key != key {
		return Metadata{}, fmt.Errorf("%w: metadata %s names key %q", ErrCorruptEntry, key, meta.Key)
	}
	return meta, nil
}

// snapshot lists all metadata records under the read lock. Records that
// fail to decode are returned by key in corrupt.
func (d *DurableTier) snapshot() (metas []Metadata, corrupt []string, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	infos, err := d.fs.ReadDir(metaDir)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: list %s: %w", metaDir, err)
	}

	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), metaExt) {
			continue
		}
		key := strings.TrimSuffix(info.Name(), metaExt)
		meta, err := d.readMeta(key)
		switch {
		case err == nil:
			metas = append(metas, meta)
		case errors.Is(err, ErrCorruptEntry):
			corrupt = append(corrupt, key)
		}
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Key < metas[j].Key })
	return metas, corrupt, nil
}

func (d *DurableTier) removeMatching(metas []Metadata, pred func(Metadata) bool) ([]string, error) {
	var removed []string
	var errs []error
	for _, m := range metas {
		if !pred(m) {
			continue
		}
		ok, err := d.discard(m.Key, sameEntry(m.CreatedAt))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			removed = append(removed, m.Key)
		}
	}
	return removed, errors.Join(errs...)
}

// discard removes key if its current metadata still satisfies match. It
// re-reads under the write lock so a concurrent replacement survives.
func (d *DurableTier) discard(key string, match func(Metadata, error) bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	meta, err := d.readMeta(key)
	if errors.Is(err, os.ErrNotExist) || !match(meta, err) {
		return false, nil
	}
	return d.removeLocked(key)
}

// discardStrayPayload removes key's payload if no metadata names it and
// reports whether anything was removed. Put holds mu across both writes,
// so under the write lock a payload without metadata is never in flight.
func (d *DurableTier) discardStrayPayload(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.fs.Stat(d.metaPath(key)); !errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return d.removeLocked(key)
}

func sameEntry(createdAt time.Time) func(Metadata, error) bool {
	return func(m Metadata, err error) bool {
		return err == nil && m.CreatedAt.Equal(createdAt)
	}
}

func isCorrupt(_ Metadata, err error) bool {
	return errors.Is(err, ErrCorruptEntry)
}

// removeLocked deletes metadata, then payload. It must be called with mu
// held for writing.
func (d *DurableTier) removeLocked(key string) (bool, error) {
	existed := false

	if err := d.fs.Remove(d.metaPath(key)); err == nil {
		existed = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("cache: remove metadata %s: %w", key, err)
	}

	path := d.payloadPath(key)
	var size int64
	if info, err := d.fs.Stat(path); err == nil {
		size = info.Size()
	}
	if err := d.fs.Remove(path); err == nil {
		existed = true
		d.usedBytes -= size
		if d.usedBytes < 0 {
			d.usedBytes = 0
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return existed, fmt.Errorf("cache: remove payload %s: %w", key, err)
	}

	return existed, nil
}

// stagedAt returns the time encoded in a staging file name.
func stagedAt(name string) (time.Time, bool) {
	id, err := ulid.ParseStrict(strings.TrimSuffix(name, ".tmp"))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}

// writeAtomic stages data in tmp/ and renames it to target.
func (d *DurableTier) writeAtomic(target string, data []byte) error {
	tmp := d.fs.Join(tmpDir, d.newID()+".tmp")

	f, err := d.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = d.fs.Remove(tmp)
		return fmt.Errorf("write staging file: %w", err)
	}

	if s, ok := f.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			_ = f.Close()
			_ = d.fs.Remove(tmp)
			return fmt.Errorf("sync staging file: %w", err)
		}
	}

	if err := f.Close(); err != nil {
		_ = d.fs.Remove(tmp)
		return fmt.Errorf("close staging file: %w", err)
	}

	if err := d.fs.Rename(tmp, target); err != nil {
		_ = d.fs.Remove(tmp)
		return fmt.Errorf("publish %s: %w", target, err)
	}

	return nil
}
