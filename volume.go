package cryptvol

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// stripeCount is the number of per-index write locks
	stripeCount = 64

	// tableScanEntries is the number of entries read per table scan step
	tableScanEntries = 4096
)

// Volume is an encrypted block device image backed by one container file.
// Reads and writes are safe for concurrent use. Writes to the same index
// are serialized; a read concurrent with a write returns either the old or
// the new block, never a mix.
type Volume struct {
	fs   absfs.FileSystem
	path string
	file absfs.File
	ks   *KeyStore
	cfg  *Config
	log  *logrus.Entry

	// readOnly volumes never write to the container
	readOnly bool

	// registered is set when opening made the key store learn this volume
	registered bool

	// closeMu is held shared by every operation and exclusively by Close
	closeMu sync.RWMutex

	// rotateMu serializes rotation sweeps
	rotateMu sync.Mutex

	// genMu is held shared by a write from choosing its key generation
	// until the table entry is committed, and exclusively while a rotation
	// switches generations
	genMu sync.RWMutex

	stripes [stripeCount]sync.Mutex

	mu       sync.Mutex
	state    VolumeState
	header   volumeHeader
	payload  int64
	entries  map[uint64]blockEntry
	reserved map[uint64]uint64
	slots    *slotAllocator
	ciphers  map[uint32]*blockCipher
}

// CreateVolume creates a new container at path holding ceil(sizeBytes/4096)
// blocks under a fresh volume key. The returned volume is in StateCreated;
// the first block operation loads its key.
func CreateVolume(fs absfs.FileSystem, path string, sizeBytes uint64, ks *KeyStore, cfg *Config) (*Volume, error) {
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}
	if ks == nil {
		return nil, ErrNilKeyStore
	}
	totalBlocks := blocksForSize(sizeBytes)
	if err := ValidateBlockCount(totalBlocks); err != nil {
		return nil, err
	}
	key, err := ks.GenerateVolumeKey(uuid.Nil)
	if err != nil {
		return nil, err
	}

	var seed [SeedSize]byte
	if _, err := io.ReadFull(ks.rand, seed[:]); err != nil {
		ks.DeleteKey(key.VolumeID)
		return nil, &KeyError{Operation: "seed", VolumeID: key.VolumeID.String(), Err: fmt.Errorf("%w: %w", ErrKeyGeneration, err)}
	}

	now := time.Now().UTC().UnixNano()
	v := newVolume(fs, path, ks, cfg)
	v.header = volumeHeader{
		Magic:       MagicBytes,
		Version:     CurrentVersion,
		BlockSize:   BlockSize,
		TotalBlocks: totalBlocks,
		VolumeID:    key.VolumeID,
		NonceSeed:   seed,
		CreatedAt:   now,
		Cipher:      cfg.Cipher.resolve(),
		Generation:  key.Generation,
		Epoch:       1,
		RotatedAt:   now,
	}
	v.payload = payloadOffset(totalBlocks)
	v.log = v.log.WithField("volume", key.VolumeID.String())

	if err := v.initContainer(); err != nil {
		ks.DeleteKey(key.VolumeID)
		return nil, err
	}

	// The key is reloaded lazily on the first block operation.
	v.dropCiphers()
	v.state = StateCreated

	v.log.WithFields(logrus.Fields{
		"total_blocks": totalBlocks,
		"cipher":       v.header.Cipher.String(),
	}).Info("created volume")
	return v, nil
}

// initContainer writes the header region and sizes the block table
func (v *Volume) initContainer() (err error) {
	f, err := v.fs.OpenFile(v.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return &IOError{Operation: "create", Path: v.path, Offset: -1, Message: "container exists", Err: ErrAlreadyExists}
	}
	if err != nil {
		return NewIOError("create", v.path, -1, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			v.fs.Remove(v.path)
		}
	}()
	v.file = f

	bc, err := v.cipherLocked(v.header.Generation)
	if err != nil {
		return err
	}
	v.header.MAC = bc.headerMAC(v.header.macInput())

	region := make([]byte, headerRegionSize)
	copy(region, v.header.encode())
	if _, err := f.WriteAt(region, 0); err != nil {
		return NewIOError("write", v.path, 0, err)
	}
	if err := f.Truncate(v.payload); err != nil {
		return NewIOError("truncate", v.path, v.payload, err)
	}
	if err := f.Sync(); err != nil {
		return NewIOError("sync", v.path, -1, err)
	}
	return nil
}

// OpenVolume opens an existing container. The header is checked in order:
// magic, version, checksum, then the MAC under the volume's current key,
// so a foreign key store yields ErrWrongKey. A sample of allocated blocks
// is authenticated before the volume is returned.
func OpenVolume(fs absfs.FileSystem, path string, ks *KeyStore, cfg *Config) (*Volume, error) {
	return openVolume(fs, path, ks, cfg, false)
}

// OpenVolumeReadOnly opens an existing container for reading only. The
// container is opened O_RDONLY and never modified: the open epoch is not
// advanced, and WriteBlock, DeallocateBlock and RotateKey fail with
// ErrReadOnly.
func OpenVolumeReadOnly(fs absfs.FileSystem, path string, ks *KeyStore, cfg *Config) (*Volume, error) {
	return openVolume(fs, path, ks, cfg, true)
}

func openVolume(fs absfs.FileSystem, path string, ks *KeyStore, cfg *Config, readOnly bool) (*Volume, error) {
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := ValidateFilePath(path); err != nil {
		return nil, err
	}
	if ks == nil {
		return nil, ErrNilKeyStore
	}

	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := fs.OpenFile(path, flag, 0)
	if err != nil {
		return nil, NewIOError("open", path, -1, err)
	}

	v := newVolume(fs, path, ks, cfg)
	v.file = f
	v.readOnly = readOnly
	if err := v.load(); err != nil {
		v.dropCiphers()
		if v.registered {
			ks.forget(v.header.VolumeID)
		}
		f.Close()
		return nil, err
	}
	v.state = StateOpen

	v.log.WithFields(logrus.Fields{
		"generation": v.header.Generation,
		"allocated":  len(v.entries),
		"epoch":      v.header.Epoch,
		"read_only":  readOnly,
	}).Info("opened volume")
	if v.header.rotating() {
		v.log.Warn("volume has an interrupted key rotation; RotateKey resumes it")
	}
	return v, nil
}

func newVolume(fs absfs.FileSystem, path string, ks *KeyStore, cfg *Config) *Volume {
	return &Volume{
		fs:       fs,
		path:     path,
		ks:       ks,
		cfg:      cfg,
		log:      cfg.Logger.WithField("path", path),
		entries:  make(map[uint64]blockEntry),
		reserved: make(map[uint64]uint64),
		slots:    newSlotAllocator(),
		ciphers:  make(map[uint32]*blockCipher),
	}
}

// load reads and authenticates the header, scans the block table and
// probes a sample of blocks
func (v *Volume) load() error {
	buf := make([]byte, HeaderSize)
	if _, err := v.file.ReadAt(buf, 0); err != nil {
		return NewCorruptionError(v.path, -1, "failed to read header", fmt.Errorf("%w: %w", ErrCorruptHeader, err))
	}
	if err := v.header.decode(buf); err != nil {
		return NewCorruptionError(v.path, -1, err.Error(), err)
	}
	h := &v.header
	v.payload = payloadOffset(h.TotalBlocks)
	v.log = v.log.WithField("volume", h.VolumeID.String())

	keyTime := time.Unix(0, h.RotatedAt).UTC()
	_, lookupErr := v.ks.lookup(h.VolumeID, false)
	if _, err := v.ks.LoadVolumeKey(h.VolumeID, h.Generation, keyTime); err != nil {
		return err
	}
	v.registered = lookupErr != nil
	bc, err := v.cipherLocked(h.Generation)
	if err != nil {
		return err
	}
	mac := bc.headerMAC(h.macInput())
	if !hmac.Equal(mac[:], h.MAC[:]) {
		return NewAuthenticationError(v.path, "header authentication failed")
	}

	gens, err := v.scanTable()
	if err != nil {
		return err
	}
	if len(gens) > 0 {
		list := make([]uint32, 0, len(gens))
		for g := range gens {
			list = append(list, g)
		}
		if _, err := v.ks.LoadVolumeKey(h.VolumeID, h.Generation, keyTime, list...); err != nil {
			return err
		}
	}

	if !v.readOnly {
		if h.Epoch >= maxEpoch {
			return NewValidationError("epoch", h.Epoch, "volume has exhausted its open epochs")
		}
		h.Epoch++
		if err := v.writeHeaderLocked(); err != nil {
			return err
		}
	}

	return v.probe()
}

// scanTable loads every non-empty table entry and rebuilds the slot
// allocator. It returns the set of generations referenced by allocated
// blocks.
func (v *Volume) scanTable() (map[uint32]bool, error) {
	total := v.header.TotalBlocks
	used := make(map[uint64]bool)
	gens := make(map[uint32]bool)
	buf := make([]byte, tableScanEntries*EntrySize)

	for start := uint64(0); start < total; start += tableScanEntries {
		n := total - start
		if n > tableScanEntries {
			n = tableScanEntries
		}
		chunk := buf[:n*EntrySize]
		if _, err := v.file.ReadAt(chunk, entryOffset(start)); err != nil {
			return nil, NewIOError("read", v.path, entryOffset(start), err)
		}
		for i := uint64(0); i < n; i++ {
			raw := chunk[i*EntrySize : (i+1)*EntrySize]
			e, err := decodeEntry(raw)
			if err != nil {
				return nil, NewCorruptionError(v.path, int64(start+i), err.Error(), nil)
			}
			if e.isZero() {
				continue
			}
			index := start + i
			v.entries[index] = e
			if !e.allocated() {
				continue
			}
			if used[e.Slot] {
				return nil, NewCorruptionError(v.path, int64(index), "payload slot referenced twice", nil)
			}
			used[e.Slot] = true
			gens[e.Generation] = true
		}
	}

	v.slots.rebuild(used)
	return gens, nil
}

// probe authenticates up to ProbeBlocks allocated blocks spread across
// the volume. A failure matches both ErrIntegrity and ErrWrongKey.
func (v *Volume) probe() error {
	if v.cfg.ProbeBlocks <= 0 {
		return nil
	}
	var indices []uint64
	for index, e := range v.entries {
		if e.allocated() {
			indices = append(indices, index)
		}
	}
	if len(indices) == 0 {
		return nil
	}
	sortIndices(indices)

	samples := v.cfg.ProbeBlocks
	if samples > len(indices) {
		samples = len(indices)
	}
	for s := 0; s < samples; s++ {
		pos := 0
		if samples > 1 {
			pos = s * (len(indices) - 1) / (samples - 1)
		}
		index := indices[pos]
		e := v.entries[index]
		bc, err := v.cipherLocked(e.Generation)
		if err != nil {
			return err
		}
		if _, err := v.readSlot(bc, index, e); err != nil {
			var ie *IntegrityError
			if errors.As(err, &ie) {
				ie.OnOpen = true
			}
			return err
		}
	}
	return nil
}

// ensureOpen moves a created volume to StateOpen and rejects closed ones.
// Caller holds closeMu shared.
func (v *Volume) ensureOpen() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case StateClosed:
		return ErrVolumeClosed
	case StateOpen:
		return nil
	}
	if _, err := v.cipherLocked(v.header.Generation); err != nil {
		return err
	}
	v.state = StateOpen
	v.log.Debug("volume key loaded")
	return nil
}

// cipherLocked returns the cached block cipher for gen. Caller holds mu or
// owns the volume exclusively.
func (v *Volume) cipherLocked(gen uint32) (*blockCipher, error) {
	if bc, ok := v.ciphers[gen]; ok {
		return bc, nil
	}
	bc, err := v.ks.blockCipherFor(v.header.Cipher, v.header.VolumeID, v.header.NonceSeed, gen)
	if err != nil {
		return nil, err
	}
	v.ciphers[gen] = bc
	return bc, nil
}

// acquireCipherLocked returns the cipher for gen and keeps it alive until
// releaseCipherLocked. Caller holds mu.
func (v *Volume) acquireCipherLocked(gen uint32) (*blockCipher, error) {
	bc, err := v.cipherLocked(gen)
	if err != nil {
		return nil, err
	}
	bc.refs++
	return bc, nil
}

// releaseCipherLocked drops a reference taken by acquireCipherLocked and
// wipes a retired cipher once nothing uses it. Caller holds mu.
func (v *Volume) releaseCipherLocked(bc *blockCipher) {
	bc.refs--
	if bc.retired && bc.refs == 0 {
		bc.wipe()
	}
}

// retireCipherLocked removes the cipher for gen from the cache. It is
// wiped now if unused, otherwise by the last release. Caller holds mu.
func (v *Volume) retireCipherLocked(gen uint32) {
	bc, ok := v.ciphers[gen]
	if !ok {
		return
	}
	delete(v.ciphers, gen)
	bc.retired = true
	if bc.refs == 0 {
		bc.wipe()
	}
}

func (v *Volume) dropCiphers() {
	for gen := range v.ciphers {
		v.retireCipherLocked(gen)
	}
}

// writeHeaderLocked re-authenticates and persists the header. Caller holds
// mu or owns the volume exclusively.
func (v *Volume) writeHeaderLocked() error {
	bc, err := v.cipherLocked(v.header.Generation)
	if err != nil {
		return err
	}
	v.header.MAC = bc.headerMAC(v.header.macInput())
	if _, err := v.file.WriteAt(v.header.encode(), 0); err != nil {
		return NewIOError("write", v.path, 0, err)
	}
	if err := v.file.Sync(); err != nil {
		return NewIOError("sync", v.path, -1, err)
	}
	return nil
}

func (v *Volume) checkIndex(index uint64) error {
	if index >= v.header.TotalBlocks {
		return &RangeError{Index: index, Total: v.header.TotalBlocks}
	}
	return nil
}

func (v *Volume) stripe(index uint64) *sync.Mutex {
	return &v.stripes[index%stripeCount]
}

// ReadBlock returns the plaintext of block index. A block that was never
// written, or was deallocated, reads as zeros.
func (v *Volume) ReadBlock(index uint64) ([]byte, error) {
	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	if err := v.ensureOpen(); err != nil {
		return nil, err
	}
	if err := v.checkIndex(index); err != nil {
		return nil, err
	}

	v.mu.Lock()
	e := v.entries[index]
	if !e.allocated() {
		v.mu.Unlock()
		return make([]byte, BlockSize), nil
	}
	bc, err := v.acquireCipherLocked(e.Generation)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	v.slots.pin(e.Slot)
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.slots.unpin(e.Slot)
		v.releaseCipherLocked(bc)
		v.mu.Unlock()
	}()

	return v.readSlot(bc, index, e)
}

// readSlot reads and authenticates the payload an entry points at
func (v *Volume) readSlot(bc *blockCipher, index uint64, e blockEntry) ([]byte, error) {
	payload := make([]byte, SlotSize)
	off := slotOffset(v.payload, e.Slot)
	if _, err := v.file.ReadAt(payload, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, NewIOError("read", v.path, off, err)
	}

	plaintext, err := bc.open(index, e.Counter, payload)
	if err != nil {
		v.log.WithFields(logrus.Fields{"block": index, "generation": e.Generation}).Warn("block failed authentication")
		return nil, &IntegrityError{Path: v.path, Block: index, Generation: e.Generation, Err: err}
	}
	return plaintext, nil
}

// WriteBlock encrypts data into block index. Data shorter than BlockSize
// is zero-padded. The block is durable when WriteBlock returns, unless
// Config.NoSync is set. A failed write leaves the previous contents intact.
func (v *Volume) WriteBlock(index uint64, data []byte) error {
	if err := ValidateBuffer(data, "data", 0); err != nil {
		return err
	}
	if len(data) > BlockSize {
		return NewValidationError("data", len(data), fmt.Sprintf("block cannot exceed %d bytes", BlockSize))
	}
	if len(data) < BlockSize {
		padded := make([]byte, BlockSize)
		copy(padded, data)
		data = padded
	}

	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	if err := v.ensureOpen(); err != nil {
		return err
	}
	if v.readOnly {
		return newReadOnlyError("write", v.path)
	}
	if err := v.checkIndex(index); err != nil {
		return err
	}

	lock := v.stripe(index)
	lock.Lock()
	defer lock.Unlock()

	return v.writeStriped(index, data)
}

// writeStriped is the copy-on-write commit. Caller holds the stripe lock
// for index. The payload goes to a free slot and is synced before the
// table entry is switched, so a crash at any point leaves either the old
// or the new block.
func (v *Volume) writeStriped(index uint64, data []byte) error {
	v.genMu.RLock()
	defer v.genMu.RUnlock()

	v.mu.Lock()
	counter, err := v.reserveCounterLocked(index)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	gen := v.header.Generation
	bc, err := v.acquireCipherLocked(gen)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	slot := v.slots.alloc()
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.releaseCipherLocked(bc)
		v.mu.Unlock()
	}()

	release := func() {
		v.mu.Lock()
		v.slots.release(slot)
		v.mu.Unlock()
	}

	payload, err := bc.seal(index, counter, data)
	if err != nil {
		release()
		return err
	}

	off := slotOffset(v.payload, slot)
	if _, err := v.file.WriteAt(payload, off); err != nil {
		release()
		return NewIOError("write", v.path, off, err)
	}
	if err := v.sync(); err != nil {
		release()
		return err
	}

	entry := blockEntry{Flags: entryFlagAllocated, Generation: gen, Counter: counter, Slot: slot}
	if err := v.commitEntry(index, entry); err != nil {
		release()
		return err
	}

	v.mu.Lock()
	old := v.entries[index]
	v.entries[index] = entry
	if old.allocated() {
		v.slots.release(old.Slot)
	}
	v.mu.Unlock()
	return nil
}

// reserveCounterLocked picks the next write counter for index. Reserved
// counters are remembered even when the write fails, so a payload that
// reached the disk is never followed by another with the same nonce.
func (v *Volume) reserveCounterLocked(index uint64) (uint64, error) {
	last := v.entries[index].Counter
	if r := v.reserved[index]; r > last {
		last = r
	}
	counter, ok := blockEntry{Counter: last}.nextCounter(v.header.Epoch)
	if !ok {
		// Sequence exhausted within this epoch: start a new one.
		if v.header.Epoch >= maxEpoch {
			return 0, NewValidationError("epoch", v.header.Epoch, "volume has exhausted its open epochs")
		}
		v.header.Epoch++
		if err := v.writeHeaderLocked(); err != nil {
			v.header.Epoch--
			return 0, err
		}
		counter, _ = blockEntry{Counter: last}.nextCounter(v.header.Epoch)
	}
	v.reserved[index] = counter
	return counter, nil
}

// commitEntry persists one table entry
func (v *Volume) commitEntry(index uint64, e blockEntry) error {
	enc := e.encode()
	off := entryOffset(index)
	if _, err := v.file.WriteAt(enc[:], off); err != nil {
		return NewIOError("write", v.path, off, err)
	}
	return v.sync()
}

func (v *Volume) sync() error {
	if v.cfg.NoSync {
		return nil
	}
	if err := v.file.Sync(); err != nil {
		return NewIOError("sync", v.path, -1, err)
	}
	return nil
}

// DeallocateBlock discards block index so it reads as zeros and frees its
// payload slot. The write counter is kept in the table.
func (v *Volume) DeallocateBlock(index uint64) error {
	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	if err := v.ensureOpen(); err != nil {
		return err
	}
	if v.readOnly {
		return newReadOnlyError("write", v.path)
	}
	if err := v.checkIndex(index); err != nil {
		return err
	}

	lock := v.stripe(index)
	lock.Lock()
	defer lock.Unlock()

	v.mu.Lock()
	old := v.entries[index]
	counter := old.Counter
	if r := v.reserved[index]; r > counter {
		counter = r
	}
	v.mu.Unlock()
	if !old.allocated() {
		return nil
	}

	entry := blockEntry{Generation: old.Generation, Counter: counter}
	if err := v.commitEntry(index, entry); err != nil {
		return err
	}

	v.mu.Lock()
	v.entries[index] = entry
	v.slots.release(old.Slot)
	v.mu.Unlock()
	return nil
}

// IsAllocated reports whether block index holds written data
func (v *Volume) IsAllocated(index uint64) (bool, error) {
	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	if err := v.ensureOpen(); err != nil {
		return false, err
	}
	if err := v.checkIndex(index); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries[index].allocated(), nil
}

// Stats reports allocation and container size
func (v *Volume) Stats() (Stats, error) {
	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	v.mu.Lock()
	if v.state == StateClosed {
		v.mu.Unlock()
		return Stats{}, ErrVolumeClosed
	}
	var allocated uint64
	for _, e := range v.entries {
		if e.allocated() {
			allocated++
		}
	}
	st := Stats{
		AllocatedBlocks: allocated,
		TotalBlocks:     v.header.TotalBlocks,
		Generation:      v.header.Generation,
	}
	v.mu.Unlock()

	info, err := v.file.Stat()
	if err != nil {
		return Stats{}, NewIOError("stat", v.path, -1, err)
	}
	st.SizeOnDisk = info.Size()
	return st, nil
}

// Close flushes the container and releases key material. Further
// operations fail with ErrVolumeClosed. Close is idempotent.
func (v *Volume) Close() error {
	v.closeMu.Lock()
	defer v.closeMu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateClosed {
		return nil
	}
	v.state = StateClosed
	v.dropCiphers()
	v.entries = make(map[uint64]blockEntry)
	v.reserved = make(map[uint64]uint64)

	var errs []error
	if !v.readOnly {
		if err := v.file.Sync(); err != nil {
			errs = append(errs, NewIOError("sync", v.path, -1, err))
		}
	}
	if err := v.file.Close(); err != nil {
		errs = append(errs, NewIOError("close", v.path, -1, err))
	}
	v.log.Info("closed volume")
	return errors.Join(errs...)
}

// DeleteVolume closes v, removes its container and destroys its keys
func DeleteVolume(v *Volume) error {
	if v == nil {
		return NewValidationError("volume", nil, "volume cannot be nil")
	}
	if err := v.Close(); err != nil {
		return err
	}
	if err := v.fs.Remove(v.path); err != nil {
		return NewIOError("remove", v.path, -1, err)
	}
	if err := v.ks.DeleteKey(v.header.VolumeID); err != nil {
		return err
	}
	v.log.Info("deleted volume")
	return nil
}

// ID returns the volume identity, which is also its key id
func (v *Volume) ID() uuid.UUID { return v.header.VolumeID }

// Path returns the container path
func (v *Volume) Path() string { return v.path }

// TotalBlocks returns the logical size in blocks
func (v *Volume) TotalBlocks() uint64 { return v.header.TotalBlocks }

// Cipher returns the AEAD suite of the volume
func (v *Volume) Cipher() CipherSuite { return v.header.Cipher }

// State returns the lifecycle state
func (v *Volume) State() VolumeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// ReadOnly reports whether the volume was opened with OpenVolumeReadOnly
func (v *Volume) ReadOnly() bool { return v.readOnly }

// Generation returns the key generation used for new writes
func (v *Volume) Generation() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.header.Generation
}

// allocatedIndices returns the sorted indices of allocated blocks
func (v *Volume) allocatedIndices() []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint64, 0, len(v.entries))
	for index, e := range v.entries {
		if e.allocated() {
			out = append(out, index)
		}
	}
	return sortIndices(out)
}

// blocksForSize returns ceil(sizeBytes / BlockSize)
func blocksForSize(sizeBytes uint64) uint64 {
	n := sizeBytes / BlockSize
	if sizeBytes%BlockSize != 0 {
		n++
	}
	return n
}

func sortIndices(indices []uint64) []uint64 {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// isZeroBlock reports whether b is all zeros
func isZeroBlock(b []byte) bool {
	return bytes.Equal(b, zeroBlock[:])
}

var zeroBlock [BlockSize]byte
