package cache

import (
	"bytes"
	"io"
)

// Tiered composes a bounded memory tier in front of a durable disk tier.
// Reads check memory first; a disk hit is promoted into
// memory so the next read for the same fingerprint is served hot. Writes
// always land on disk first — memory promotion only happens once the
// disk write has fully landed, so a crash mid-admission never leaves a
// memory entry with no backing copy.
type Tiered struct {
	Memory *MemoryStore
	Disk   *DiskStore
}

// NewTiered returns a Store backed by mem in front of disk.
func NewTiered(mem *MemoryStore, disk *DiskStore) *Tiered {
	return &Tiered{Memory: mem, Disk: disk}
}

// Lookup implements Store.
func (t *Tiered) Lookup(fp Fingerprint) (*GetResult, error) {
	if res, err := t.Memory.Lookup(fp); err == nil {
		return res, nil
	}

	res, err := t.Disk.Lookup(fp)
	if err != nil {
		return nil, err
	}

	body, readErr := io.ReadAll(res.Body)
	res.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	t.Memory.Put(fp, res.Meta, body)

	return &GetResult{Body: io.NopCloser(bytes.NewReader(body)), Meta: res.Meta}, nil
}

// Admit implements Store. The write handle targets disk; memory is
// populated on Finalize once the disk write is durable.
func (t *Tiered) Admit(fp Fingerprint, meta Meta) (MissHandle, error) {
	dh, err := t.Disk.Admit(fp, meta)
	if err != nil {
		return nil, err
	}
	return &tieredMissHandle{tiered: t, fp: fp, meta: meta, disk: dh}, nil
}

// UpdateMetadata implements Store. Both tiers are updated; a missing
// memory entry is not an error since memory residency is best-effort.
func (t *Tiered) UpdateMetadata(fp Fingerprint, meta Meta) error {
	_ = t.Memory.UpdateMetadata(fp, meta)
	return t.Disk.UpdateMetadata(fp, meta)
}

// Purge implements Store.
func (t *Tiered) Purge(fp Fingerprint) (bool, error) {
	_, _ = t.Memory.Purge(fp)
	return t.Disk.Purge(fp)
}

type tieredMissHandle struct {
	tiered *Tiered
	fp     Fingerprint
	meta   Meta
	disk   MissHandle
	buf    teeBuf
}

func (h *tieredMissHandle) Write(p []byte) (int, error) {
	h.buf.Write(p)
	return h.disk.Write(p)
}

func (h *tieredMissHandle) Finalize() error {
	if err := h.disk.Finalize(); err != nil {
		return err
	}
	h.tiered.Memory.Put(h.fp, h.meta, h.buf.Bytes())
	return nil
}

func (h *tieredMissHandle) Abort() {
	h.disk.Abort()
}

// teeBuf is a minimal growable byte buffer, kept separate from
// bytes.Buffer only to make the Write-twice relationship in
// tieredMissHandle.Write explicit.
type teeBuf struct {
	b []byte
}

func (t *teeBuf) Write(p []byte) {
	t.b = append(t.b, p...)
}

func (t *teeBuf) Bytes() []byte {
	return t.b
}
