package cryptvol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RotationResult summarizes one rotation sweep
type RotationResult struct {
	Generation  uint32        // Generation all blocks are under afterwards
	Reencrypted int           // Blocks rewritten by this call
	Resumed     bool          // The sweep continued an interrupted rotation
	Duration    time.Duration // Wall time of the sweep
}

// RotateKey moves the volume to a new key generation and re-encrypts every
// block still under an older one. Reads and writes continue during the
// sweep. Cancelling ctx stops between blocks; the rotating flag stays set
// in the header and the next RotateKey (or OpenVolume followed by RotateKey)
// resumes without advancing the generation again.
func (v *Volume) RotateKey(ctx context.Context) (RotationResult, error) {
	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()

	v.closeMu.RLock()
	defer v.closeMu.RUnlock()

	if err := v.ensureOpen(); err != nil {
		return RotationResult{}, err
	}
	if v.readOnly {
		return RotationResult{}, newReadOnlyError("rotate", v.path)
	}

	start := time.Now()
	resumed, err := v.beginRotation()
	if err != nil {
		return RotationResult{}, err
	}

	v.mu.Lock()
	target := v.header.Generation
	oldGens := make(map[uint32]bool)
	for gen := range v.ciphers {
		if gen != target {
			oldGens[gen] = true
		}
	}
	v.mu.Unlock()

	log := v.log.WithField("generation", target)
	log.Info("key rotation sweep started")

	// Repeat until no allocated block is left under an older generation.
	result := RotationResult{Generation: target, Resumed: resumed}
	for {
		pending := v.pendingRewrap(target, oldGens)
		if len(pending) == 0 {
			break
		}
		log.WithField("pending", len(pending)).Debug("re-encrypting blocks")
		for _, index := range pending {
			if err := ctx.Err(); err != nil {
				log.WithField("reencrypted", result.Reencrypted).Warn("key rotation interrupted")
				return result, fmt.Errorf("key rotation interrupted: %w", err)
			}
			rewritten, err := v.rewrapBlock(index, target)
			if err != nil {
				return result, err
			}
			if rewritten {
				result.Reencrypted++
			}
		}
	}

	if err := v.finishRotation(oldGens); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"reencrypted": result.Reencrypted,
		"duration":    result.Duration,
	}).Info("key rotation complete")
	return result, nil
}

// beginRotation advances the generation and persists the rotating flag,
// unless an interrupted rotation is being resumed
func (v *Volume) beginRotation() (bool, error) {
	v.genMu.Lock()
	defer v.genMu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.header.rotating() {
		return true, nil
	}

	key, err := v.ks.RotateKey(v.header.VolumeID)
	if err != nil {
		return false, err
	}

	prev := v.header
	v.header.Generation = key.Generation
	v.header.Flags |= headerFlagRotating
	v.header.RotatedAt = key.CreatedAt.UnixNano()
	if err := v.writeHeaderLocked(); err != nil {
		v.header = prev
		return false, err
	}
	return false, nil
}

// pendingRewrap returns the sorted indices of allocated blocks under a
// generation other than target and records those generations in oldGens
func (v *Volume) pendingRewrap(target uint32, oldGens map[uint32]bool) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	var pending []uint64
	for index, e := range v.entries {
		if e.allocated() && e.Generation != target {
			pending = append(pending, index)
			oldGens[e.Generation] = true
		}
	}
	return sortIndices(pending)
}

// rewrapBlock re-encrypts one block under target if it is still under an
// older generation. It holds the index stripe, so it never races a write
// to the same block.
func (v *Volume) rewrapBlock(index uint64, target uint32) (bool, error) {
	lock := v.stripe(index)
	lock.Lock()
	defer lock.Unlock()

	v.mu.Lock()
	e := v.entries[index]
	if !e.allocated() || e.Generation == target {
		v.mu.Unlock()
		return false, nil
	}
	bc, err := v.acquireCipherLocked(e.Generation)
	if err != nil {
		v.mu.Unlock()
		return false, err
	}
	v.slots.pin(e.Slot)
	v.mu.Unlock()

	plaintext, err := v.readSlot(bc, index, e)

	v.mu.Lock()
	v.slots.unpin(e.Slot)
	v.releaseCipherLocked(bc)
	v.mu.Unlock()

	if err != nil {
		return false, err
	}
	if err := v.writeStriped(index, plaintext); err != nil {
		return false, err
	}
	return true, nil
}

// finishRotation clears the rotating flag and retires the old generations.
// Generations held by snapshots stay in the key store until released.
// A cached cipher still in use by a reader is wiped by its last release.
func (v *Volume) finishRotation(oldGens map[uint32]bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.header.Flags &^= headerFlagRotating
	if err := v.writeHeaderLocked(); err != nil {
		v.header.Flags |= headerFlagRotating
		return err
	}

	for gen := range oldGens {
		if gen >= v.header.Generation {
			continue
		}
		if err := v.ks.RetireGeneration(v.header.VolumeID, gen); err != nil {
			return err
		}
		v.retireCipherLocked(gen)
	}
	return nil
}

// RotateIfDue rotates when the active key is older than the configured
// rotation interval at now, or when an interrupted rotation is pending
func (v *Volume) RotateIfDue(ctx context.Context, now time.Time) (bool, error) {
	v.mu.Lock()
	pending := v.header.rotating()
	id := v.header.VolumeID
	v.mu.Unlock()

	due := pending
	if !due {
		var err error
		due, err = v.ks.RotationDue(id, now)
		if err != nil {
			return false, err
		}
	}
	if !due {
		return false, nil
	}
	if _, err := v.RotateKey(ctx); err != nil {
		return false, err
	}
	return true, nil
}
