// Package cryptvol stores virtual machine disk images as encrypted,
// authenticated block containers on any absfs.FileSystem.
//
// # Overview
//
// A volume is a single container file holding a fixed number of 4 KiB
// blocks. Every block is sealed independently with AES-256-GCM or
// ChaCha20-Poly1305 under a key derived for that volume and key
// generation, so a block can be read or rewritten without touching its
// neighbours. Blocks that were never written occupy no payload space and
// read as zeros.
//
// # Container Layout
//
//	offset 0      header (100 bytes, padded to 4096)
//	offset 4096   block table, 32 bytes per block
//	payload base  slots of ciphertext || tag (4112 bytes each)
//
// The header carries the volume identity, the nonce seed, the active key
// generation and an open epoch. It is protected by a CRC32 against
// accidental damage and by a MAC under the current key, so opening a
// volume with the wrong key store fails with ErrWrongKey rather than
// returning garbage.
//
// # Nonces
//
// The 96-bit nonce of a block is
//
//	HKDF(seed, generation)[:12] XOR (index[48] || counter[48])
//
// where counter is a per-block write counter whose upper bits carry the
// open epoch. The epoch advances on every open and is persisted before
// the first write, so a crash or a failed write never leads to a second
// payload under the same nonce. The volume ID and block index are bound
// as associated data, so a payload moved to another index or volume fails
// authentication.
//
// # Writes
//
// Writes are copy-on-write: the new payload goes to a free slot and is
// synced before the table entry is switched. A crash at any point leaves
// either the old or the new block.
//
// # Keys
//
// A KeyStore holds one root secret in a memguard enclave and derives
// every storage key from it with HKDF, keyed by volume ID and generation.
// The root secret can come from a passphrase (Argon2id or PBKDF2), a hex
// environment variable, or an X25519 / X25519+ML-KEM-768 key agreement.
//
//	ks, err := cryptvol.NewKeyStoreFromProvider(
//	    cryptvol.NewPassphraseRootProvider(pass, salt, cryptvol.Argon2idParams{}), nil)
//	if err != nil {
//	    return err
//	}
//	defer ks.Close()
//
//	v, err := cryptvol.CreateVolume(fs, "/vm/disk0.cvol", 1<<30, ks, nil)
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	err = v.WriteBlock(0, bootSector)
//	data, err := v.ReadBlock(0)
//
// # Key Rotation
//
// Volume.RotateKey advances the key generation and re-encrypts every block
// still under an older one while reads and writes continue. An interrupted
// rotation is recorded in the header and resumed by the next call. Old
// generations are destroyed once no block and no snapshot needs them.
//
// # Snapshots
//
// A SnapshotManager captures the sealed payloads of a volume into a bbolt
// catalog. Payloads are addressed by their BLAKE3 hash, so unchanged
// blocks are shared between snapshots. Restoring authenticates every
// payload under the source key and re-encrypts it into a new volume.
// Optional zstd or xz compression is applied to ciphertext only.
//
// # Security Considerations
//
// Protected Against:
//   - Disclosure of block contents at rest
//   - Tampering, block swapping and cross-volume payload splicing
//   - Opening a volume with the wrong key
//
// Not Protected Against:
//   - Rollback of a whole container to an older copy
//   - Leakage of which blocks are allocated and when they change
//   - Memory inspection of a running process beyond memguard's protections
package cryptvol
