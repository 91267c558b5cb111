package cache

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"
)

func unixTime(sec int64) time.Time { return time.Unix(sec, 0) }

// DiskStore is the filesystem tier of the two-tier cache. Entries are
// laid out as {root}/{host}/{key}.cache and {root}/{host}/{key}.meta, a
// data file plus a JSON sidecar, both written via temp-file-then-rename
// so a reader never observes a partially-written entry.
type DiskStore struct {
	root string
}

// NewDiskStore returns a DiskStore rooted at root. The directory is
// created lazily on first write. Concurrent misses for the same
// fingerprint are expected to be coalesced upstream by the cache lock
// (see Lock); DiskStore itself only guarantees that a Lookup never
// observes a partially-written entry.
func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

func (d *DiskStore) dir(fp Fingerprint) string {
	return filepath.Join(d.root, fp.Host)
}

func (d *DiskStore) dataPath(fp Fingerprint) string {
	return filepath.Join(d.dir(fp), fp.Key+".cache")
}

func (d *DiskStore) metaPath(fp Fingerprint) string {
	return filepath.Join(d.dir(fp), fp.Key+".meta")
}

type diskMeta struct {
	Status                   int               `json:"status"`
	CreatedAtUnix            int64             `json:"created_at_unix"`
	FreshSecs                int               `json:"fresh_secs"`
	StaleWhileRevalidateSecs int               `json:"stale_while_revalidate_secs"`
	StaleIfErrorSecs         int               `json:"stale_if_error_secs"`
	Header                   map[string][]string `json:"header"`
}

func toDiskMeta(m Meta) diskMeta {
	return diskMeta{
		Status:                   m.Status,
		CreatedAtUnix:            m.CreatedAt.Unix(),
		FreshSecs:                m.FreshSecs,
		StaleWhileRevalidateSecs: m.StaleWhileRevalidateSecs,
		StaleIfErrorSecs:         m.StaleIfErrorSecs,
		Header:                   map[string][]string(m.Header),
	}
}

func (dm diskMeta) toMeta() Meta {
	return Meta{
		Status:                   dm.Status,
		CreatedAt:                unixTime(dm.CreatedAtUnix),
		FreshSecs:                dm.FreshSecs,
		StaleWhileRevalidateSecs: dm.StaleWhileRevalidateSecs,
		StaleIfErrorSecs:         dm.StaleIfErrorSecs,
		Header:                   dm.Header,
	}
}

// Lookup implements Store.
func (d *DiskStore) Lookup(fp Fingerprint) (*GetResult, error) {
	meta, err := d.readMeta(fp)
	if err != nil {
		return nil, ErrMiss
	}
	f, err := os.Open(d.dataPath(fp))
	if err != nil {
		return nil, ErrMiss
	}
	return &GetResult{Body: f, Meta: meta}, nil
}

func (d *DiskStore) readMeta(fp Fingerprint) (Meta, error) {
	raw, err := os.ReadFile(d.metaPath(fp))
	if err != nil {
		return Meta{}, err
	}
	var dm diskMeta
	if err := json.Unmarshal(raw, &dm); err != nil {
		return Meta{}, err
	}
	return dm.toMeta(), nil
}

// UpdateMetadata implements Store.
func (d *DiskStore) UpdateMetadata(fp Fingerprint, meta Meta) error {
	if err := os.MkdirAll(d.dir(fp), 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(toDiskMeta(meta))
	if err != nil {
		return err
	}
	return atomicWriteBytes(d.metaPath(fp), raw)
}

// Purge implements Store.
func (d *DiskStore) Purge(fp Fingerprint) (bool, error) {
	_, statErr := os.Stat(d.dataPath(fp))
	existed := statErr == nil
	_ = os.Remove(d.dataPath(fp))
	_ = os.Remove(d.metaPath(fp))
	return existed, nil
}

// Admit implements Store. The body is streamed to a temp file in the
// entry's directory; Finalize renames the data file into place and then
// writes the sidecar the same way. Each file is replaced whole, but a
// Lookup that runs between the two steps can pair the new body with the
// previous sidecar.
func (d *DiskStore) Admit(fp Fingerprint, meta Meta) (MissHandle, error) {
	if err := os.MkdirAll(d.dir(fp), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(d.dir(fp), ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &diskMissHandle{store: d, fp: fp, meta: meta, tmp: tmp}, nil
}

type diskMissHandle struct {
	store *DiskStore
	fp    Fingerprint
	meta  Meta
	tmp   *os.File
	done  bool
}

func (h *diskMissHandle) Write(p []byte) (int, error) {
	return h.tmp.Write(p)
}

func (h *diskMissHandle) Finalize() error {
	if h.done {
		return nil
	}
	h.done = true
	if err := h.tmp.Close(); err != nil {
		os.Remove(h.tmp.Name())
		return err
	}
	if err := os.Rename(h.tmp.Name(), h.store.dataPath(h.fp)); err != nil {
		os.Remove(h.tmp.Name())
		return err
	}
	return h.store.UpdateMetadata(h.fp, h.meta)
}

func (h *diskMissHandle) Abort() {
	if h.done {
		return
	}
	h.done = true
	h.tmp.Close()
	os.Remove(h.tmp.Name())
}

// atomicWriteBytes writes data to dst via temp file + rename.
func atomicWriteBytes(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

var _ io.Writer = (*diskMissHandle)(nil)
