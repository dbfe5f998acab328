package cryptvol

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// setupTestFS returns an absfs.FileSystem rooted in a temporary directory
func setupTestFS(t testing.TB) (*osTestFS, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "cryptvol-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	base := &osTestFS{root: tmpDir}

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return base, cleanup
}

// osTestFS is a minimal filesystem implementation for testing
type osTestFS struct {
	root string
	cwd  string
}

// hostPath returns the real path of name, for tests that tamper with containers
func (fs *osTestFS) hostPath(name string) string {
	return filepath.Join(fs.root, name)
}

func (fs *osTestFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	path := filepath.Join(fs.root, name)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

func (fs *osTestFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(filepath.Join(fs.root, name), perm)
}

func (fs *osTestFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(filepath.Join(fs.root, name), perm)
}

func (fs *osTestFS) Remove(name string) error {
	return os.Remove(filepath.Join(fs.root, name))
}

func (fs *osTestFS) RemoveAll(path string) error {
	return os.RemoveAll(filepath.Join(fs.root, path))
}

func (fs *osTestFS) Rename(oldpath, newpath string) error {
	return os.Rename(filepath.Join(fs.root, oldpath), filepath.Join(fs.root, newpath))
}

func (fs *osTestFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(fs.root, name))
}

func (fs *osTestFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(fs.root, name), mode)
}

func (fs *osTestFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(filepath.Join(fs.root, name), atime, mtime)
}

func (fs *osTestFS) Chown(name string, uid, gid int) error {
	return os.Chown(filepath.Join(fs.root, name), uid, gid)
}

func (fs *osTestFS) Separator() uint8 {
	return os.PathSeparator
}

func (fs *osTestFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *osTestFS) Chdir(dir string) error {
	fs.cwd = dir
	return nil
}

func (fs *osTestFS) Getwd() (string, error) {
	if fs.cwd == "" {
		return "/", nil
	}
	return fs.cwd, nil
}

func (fs *osTestFS) TempDir() string {
	return os.TempDir()
}

func (fs *osTestFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *osTestFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *osTestFS) Truncate(name string, size int64) error {
	return os.Truncate(filepath.Join(fs.root, name), size)
}

// testLogger discards output so test runs stay quiet
func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// testConfig returns a fast volume configuration for tests
func testConfig() *Config {
	return &Config{
		Cipher: CipherAES256GCM,
		NoSync: true,
		Logger: testLogger(),
	}
}

// testRoot returns a random root secret
func testRoot(t testing.TB) []byte {
	t.Helper()
	root := make([]byte, MinRootSecretSize)
	if _, err := rand.Read(root); err != nil {
		t.Fatalf("failed to generate root: %v", err)
	}
	return root
}

// newTestKeyStore returns a key store over a fresh random root
func newTestKeyStore(t testing.TB) *KeyStore {
	t.Helper()
	ks, err := NewKeyStore(testRoot(t), testConfig())
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	t.Cleanup(func() { ks.Close() })
	return ks
}

// newTestVolume creates a volume of the given number of blocks
func newTestVolume(t testing.TB, fs absfs.FileSystem, ks *KeyStore, path string, blocks uint64) *Volume {
	t.Helper()
	v, err := CreateVolume(fs, path, blocks*BlockSize, ks, testConfig())
	if err != nil {
		t.Fatalf("CreateVolume() error = %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

// patternBlock returns a recognizable block for index and seed
func patternBlock(index uint64, seed byte) []byte {
	b := make([]byte, BlockSize)
	for i := range b {
		b[i] = byte(uint64(i)*7+index) ^ seed
	}
	return b
}

// flipBit flips one bit of a container file in place
func flipBit(t *testing.T, path string, offset int64, bit uint) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("failed to open container: %v", err)
	}
	defer f.Close()

	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		t.Fatalf("failed to read byte at %d: %v", offset, err)
	}
	b[0] ^= 1 << bit
	if _, err := f.WriteAt(b, offset); err != nil {
		t.Fatalf("failed to write byte at %d: %v", offset, err)
	}
}

func mustReadBlock(t *testing.T, v *Volume, index uint64) []byte {
	t.Helper()
	data, err := v.ReadBlock(index)
	if err != nil {
		t.Fatalf("ReadBlock(%d) error = %v", index, err)
	}
	return data
}

func assertBlock(t *testing.T, v *Volume, index uint64, want []byte) {
	t.Helper()
	if got := mustReadBlock(t, v, index); !bytes.Equal(got, want) {
		t.Errorf("block %d mismatch", index)
	}
}
