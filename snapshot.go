package cryptvol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SnapshotConfig configures a SnapshotManager
type SnapshotConfig struct {
	// Codec compresses captured ciphertext and block maps when requested
	Codec Codec

	// CompressionLevel is the codec level; 0 selects the codec default
	CompressionLevel int

	// Parallel controls worker fan-out for capture and restore
	Parallel ParallelConfig

	// Volume is the configuration for restored volumes; nil means defaults
	Volume *Config

	// Logger receives structured events; nil means logrus.New()
	Logger *logrus.Logger
}

// DefaultSnapshotConfig returns a configuration with every default filled in
func DefaultSnapshotConfig() *SnapshotConfig {
	return (&SnapshotConfig{Codec: CodecZstd}).withDefaults()
}

// Validate checks if the configuration is valid
func (c *SnapshotConfig) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.Codec > CodecXZ {
		return NewValidationError("codec", c.Codec, "unsupported codec")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return NewValidationError("compression_level", c.CompressionLevel, "must be between 0 and 22")
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	if c.Volume != nil {
		return c.Volume.Validate()
	}
	return nil
}

func (c *SnapshotConfig) withDefaults() *SnapshotConfig {
	out := *c
	if out.Parallel == (ParallelConfig{}) {
		out.Parallel = DefaultParallelConfig()
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	if out.Volume == nil {
		out.Volume = &Config{}
	}
	if out.Volume.Logger == nil {
		vc := *out.Volume
		vc.Logger = out.Logger
		out.Volume = &vc
	}
	return &out
}

// heldGenerations records the key store holds taken for one snapshot
type heldGenerations struct {
	volumeID    uuid.UUID
	generations []uint32
}

// SnapshotManager captures volumes into a content-addressed catalog and
// restores them into new volumes
type SnapshotManager struct {
	catalog *snapshotCatalog
	ks      *KeyStore
	cfg     *SnapshotConfig
	comp    *compressor
	none    *compressor
	log     *logrus.Entry

	mu     sync.Mutex
	held   map[string]heldGenerations
	closed bool
}

// OpenSnapshotManager opens (or creates) the catalog at catalogPath. Every
// key generation referenced by an existing snapshot is held in ks, so key
// rotation cannot zeroize keys a snapshot still needs.
func OpenSnapshotManager(catalogPath string, ks *KeyStore, cfg *SnapshotConfig) (*SnapshotManager, error) {
	if ks == nil {
		return nil, ErrNilKeyStore
	}
	if err := ValidateFilePath(catalogPath); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultSnapshotConfig()
	} else {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		cfg = cfg.withDefaults()
	}

	catalog, err := openSnapshotCatalog(catalogPath)
	if err != nil {
		return nil, err
	}

	m := &SnapshotManager{
		catalog: catalog,
		ks:      ks,
		cfg:     cfg,
		comp:    newCompressor(cfg.Codec, cfg.CompressionLevel),
		none:    newCompressor(CodecNone, 0),
		log:     cfg.Logger.WithField("catalog", catalogPath),
		held:    make(map[string]heldGenerations),
	}

	records, err := catalog.list()
	if err != nil {
		catalog.close()
		return nil, err
	}
	for _, rec := range records {
		if err := m.hold(rec.ID, rec.SourceVolumeID, rec.Generations); err != nil {
			for _, taken := range records {
				m.release(taken.ID)
			}
			m.Close()
			return nil, err
		}
	}

	m.log.WithField("snapshots", len(records)).Info("opened snapshot catalog")
	return m, nil
}

func (m *SnapshotManager) hold(id string, volumeID uuid.UUID, gens []uint32) error {
	for i, g := range gens {
		if err := m.ks.Hold(volumeID, g); err != nil {
			for _, taken := range gens[:i] {
				m.ks.Release(volumeID, taken)
			}
			return err
		}
	}
	m.mu.Lock()
	m.held[id] = heldGenerations{volumeID: volumeID, generations: gens}
	m.mu.Unlock()
	return nil
}

func (m *SnapshotManager) release(id string) {
	m.mu.Lock()
	h, ok := m.held[id]
	delete(m.held, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, g := range h.generations {
		if err := m.ks.Release(h.volumeID, g); err != nil {
			m.log.WithFields(logrus.Fields{"snapshot": id, "generation": g}).WithError(err).Warn("failed to release key generation")
		}
	}
}

func (m *SnapshotManager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newSnapshotError("", ErrVolumeClosed, "snapshot manager is closed")
	}
	return nil
}

// volumeCapture is the block table of a volume frozen at the swap point
type volumeCapture struct {
	volumeID    uuid.UUID
	totalBlocks uint64
	cipher      CipherSuite
	seed        [SeedSize]byte
	indices     []uint64
	entries     []blockEntry
	generations []uint32
}

// captureTable freezes the table and pins every referenced slot. hold is
// called under the table lock so a rotation cannot retire a captured
// generation in between. Caller holds closeMu shared.
func (v *Volume) captureTable(hold func(gens []uint32) error) (*volumeCapture, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	c := &volumeCapture{
		volumeID:    v.header.VolumeID,
		totalBlocks: v.header.TotalBlocks,
		cipher:      v.header.Cipher,
		seed:        v.header.NonceSeed,
	}
	gens := make(map[uint32]bool)
	for index, e := range v.entries {
		if e.allocated() {
			c.indices = append(c.indices, index)
			gens[e.Generation] = true
		}
	}
	sortIndices(c.indices)
	for g := range gens {
		c.generations = append(c.generations, g)
	}
	sort.Slice(c.generations, func(i, j int) bool { return c.generations[i] < c.generations[j] })

	if err := hold(c.generations); err != nil {
		return nil, err
	}

	c.entries = make([]blockEntry, len(c.indices))
	for i, index := range c.indices {
		e := v.entries[index]
		c.entries[i] = e
		v.slots.pin(e.Slot)
	}
	return c, nil
}

// releaseCapture unpins the slots of a capture
func (v *Volume) releaseCapture(c *volumeCapture) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range c.entries {
		v.slots.unpin(e.Slot)
	}
}

// readRawSlot returns the stored ciphertext || tag of a pinned slot
func (v *Volume) readRawSlot(slot uint64) ([]byte, error) {
	payload := make([]byte, SlotSize)
	off := slotOffset(v.payload, slot)
	if _, err := v.file.ReadAt(payload, off); err != nil {
		return nil, NewIOError("read", v.path, off, err)
	}
	return payload, nil
}

// CreateSnapshot captures v at this instant and returns the snapshot ID.
// Only the table capture synchronizes with writers; hashing and
// compression run afterwards on pinned slots. compress applies the
// configured codec to ciphertext, never to plaintext.
func (m *SnapshotManager) CreateSnapshot(ctx context.Context, v *Volume, description string, compress bool) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	if v == nil {
		return "", NewValidationError("volume", nil, "volume cannot be nil")
	}

	v.closeMu.RLock()
	defer v.closeMu.RUnlock()
	if err := v.ensureOpen(); err != nil {
		return "", err
	}

	start := time.Now()
	id := "snap-" + uuid.NewString()
	capture, err := v.captureTable(func(gens []uint32) error {
		return m.hold(id, v.ID(), gens)
	})
	if err != nil {
		return "", err
	}
	defer v.releaseCapture(capture)

	ok := false
	defer func() {
		if !ok {
			m.release(id)
		}
	}()

	comp := m.none
	if compress {
		comp = m.comp
	}

	payloads := make([]storedPayload, len(capture.indices))
	var encodedBytes int64
	var encMu sync.Mutex
	err = runParallel(ctx, m.cfg.Parallel, len(capture.indices), func(i int) error {
		e := capture.entries[i]
		raw, err := v.readRawSlot(e.Slot)
		if err != nil {
			return err
		}
		data, codec, err := comp.compress(raw)
		if err != nil {
			return err
		}
		payloads[i] = storedPayload{
			block: snapshotBlock{
				Index:      capture.indices[i],
				Generation: e.Generation,
				Counter:    e.Counter,
				Hash:       hashPayload(raw),
			},
			codec: codec,
			data:  data,
		}
		encMu.Lock()
		encodedBytes += int64(len(data))
		encMu.Unlock()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("snapshot capture failed: %w", err)
	}

	blocks := make([]snapshotBlock, len(payloads))
	for i := range payloads {
		blocks[i] = payloads[i].block
	}
	blockMap, mapCodec, err := encodeBlockMap(comp, blocks)
	if err != nil {
		return "", err
	}

	logical := int64(len(payloads)) * SlotSize
	ratio := 1.0
	if logical > 0 {
		ratio = float64(encodedBytes) / float64(logical)
	}

	rec := &SnapshotRecord{
		ID:                 id,
		SourceVolumeID:     capture.volumeID,
		Description:        description,
		CreatedAt:          time.Now().UTC(),
		TotalBlocks:        capture.totalBlocks,
		AllocatedBlocks:    uint64(len(payloads)),
		Cipher:             capture.cipher,
		NonceSeed:          capture.seed,
		Generations:        capture.generations,
		Compressed:         compress,
		Codec:              mapCodec,
		CompressedBlockMap: blockMap,
		CompressionRatio:   ratio,
		LogicalBytes:       logical,
	}
	stored, err := m.catalog.put(rec, payloads)
	if err != nil {
		return "", newSnapshotError(id, err, "failed to store snapshot")
	}
	ok = true

	m.log.WithFields(logrus.Fields{
		"snapshot": id,
		"volume":   capture.volumeID.String(),
		"blocks":   len(payloads),
		"stored":   stored,
		"ratio":    fmt.Sprintf("%.3f", ratio),
		"duration": time.Since(start),
	}).Info("created snapshot")
	return id, nil
}

// GetSnapshot returns the record for one snapshot
func (m *SnapshotManager) GetSnapshot(id string) (SnapshotRecord, error) {
	if err := m.checkOpen(); err != nil {
		return SnapshotRecord{}, err
	}
	rec, err := m.catalog.get(id)
	if err != nil {
		return SnapshotRecord{}, err
	}
	return *rec, nil
}

// ListSnapshots returns the snapshots of one volume, newest first. A nil
// volumeID lists every snapshot in the catalog.
func (m *SnapshotManager) ListSnapshots(volumeID uuid.UUID) ([]SnapshotRecord, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	all, err := m.catalog.list()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if volumeID == uuid.Nil || rec.SourceVolumeID == volumeID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RestoreSnapshot rebuilds the snapshot into a new container at dest. Every
// payload is checked against its content hash and authenticated under the
// generation it was captured with, then re-encrypted under a fresh volume
// identity so the restored volume never shares keys or nonces with its
// source.
func (m *SnapshotManager) RestoreSnapshot(ctx context.Context, id string, fs absfs.FileSystem, dest string) (*Volume, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rec, err := m.catalog.get(id)
	if err != nil {
		return nil, err
	}
	blocks, err := decodeBlockMap(m.comp, rec.Codec, rec.CompressedBlockMap, rec.AllocatedBlocks)
	if err != nil {
		return nil, &SnapshotError{SnapshotID: id, Message: "unreadable block map", Err: fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)}
	}

	ciphers, err := m.sourceCiphers(rec)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, bc := range ciphers {
			bc.wipe()
		}
	}()

	vcfg := *m.cfg.Volume
	vcfg.Cipher = rec.Cipher
	nv, err := CreateVolume(fs, dest, rec.TotalBlocks*BlockSize, m.ks, &vcfg)
	if err != nil {
		return nil, err
	}

	err = runParallel(ctx, m.cfg.Parallel, len(blocks), func(i int) error {
		return m.restoreBlock(rec, ciphers, nv, blocks[i])
	})
	if err != nil {
		if derr := DeleteVolume(nv); derr != nil {
			m.log.WithError(derr).WithField("path", dest).Warn("failed to remove partial restore")
		}
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"snapshot": id,
		"volume":   nv.ID().String(),
		"path":     dest,
		"blocks":   len(blocks),
	}).Info("restored snapshot")
	return nv, nil
}

// sourceCiphers loads the source volume's keys for every captured generation
func (m *SnapshotManager) sourceCiphers(rec *SnapshotRecord) (map[uint32]*blockCipher, error) {
	if len(rec.Generations) == 0 {
		return map[uint32]*blockCipher{}, nil
	}
	maxGen := rec.Generations[len(rec.Generations)-1]
	if _, err := m.ks.LoadVolumeKey(rec.SourceVolumeID, maxGen, rec.CreatedAt, rec.Generations...); err != nil {
		return nil, err
	}
	out := make(map[uint32]*blockCipher, len(rec.Generations))
	for _, g := range rec.Generations {
		bc, err := m.ks.blockCipherFor(rec.Cipher, rec.SourceVolumeID, rec.NonceSeed, g)
		if err != nil {
			for _, c := range out {
				c.wipe()
			}
			return nil, err
		}
		out[g] = bc
	}
	return out, nil
}

func (m *SnapshotManager) restoreBlock(rec *SnapshotRecord, ciphers map[uint32]*blockCipher, nv *Volume, b snapshotBlock) error {
	corrupt := func(format string, args ...any) error {
		m.log.WithFields(logrus.Fields{"snapshot": rec.ID, "block": b.Index}).Warn("snapshot block failed verification")
		return newSnapshotError(rec.ID, ErrSnapshotCorrupt, "block %d: "+format, append([]any{b.Index}, args...)...)
	}

	data, codec, found, err := m.catalog.payload(b.Hash)
	if err != nil {
		return err
	}
	if !found {
		return corrupt("payload missing")
	}
	raw, err := m.comp.decompress(codec, data, SlotSize)
	if err != nil {
		return corrupt("undecodable payload: %v", err)
	}
	if hashPayload(raw) != b.Hash {
		return corrupt("content hash mismatch")
	}
	bc, ok := ciphers[b.Generation]
	if !ok {
		return corrupt("unknown generation %d", b.Generation)
	}
	plaintext, err := bc.open(b.Index, b.Counter, raw)
	if err != nil {
		return corrupt("authentication failed")
	}
	return nv.WriteBlock(b.Index, plaintext)
}

// DeleteSnapshot removes a snapshot. Payloads shared with other snapshots
// stay until their last reference is gone.
func (m *SnapshotManager) DeleteSnapshot(id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	rec, err := m.catalog.get(id)
	if err != nil {
		return err
	}
	blocks, err := decodeBlockMap(m.comp, rec.Codec, rec.CompressedBlockMap, rec.AllocatedBlocks)
	if err != nil {
		return &SnapshotError{SnapshotID: id, Message: "unreadable block map", Err: fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)}
	}
	freed, err := m.catalog.remove(id, blocks)
	if err != nil {
		return err
	}
	m.release(id)

	m.log.WithFields(logrus.Fields{"snapshot": id, "freed": freed}).Info("deleted snapshot")
	return nil
}

// Close closes the catalog. Key store holds stay in place: the snapshots
// still exist on disk, so their generations must outlive this handle.
// They are dropped when the key store itself is closed.
func (m *SnapshotManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.held = make(map[string]heldGenerations)
	m.mu.Unlock()

	m.comp.close()
	m.none.close()

	var errs []error
	if err := m.catalog.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
