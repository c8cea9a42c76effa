package bytestore

import (
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/internal/chunkname"
	"github.com/maidsafe-archive/MaidSafe-Vault-Manager-sub001/pkg/constants"
)

// FileStore persists chunks under a directory tree whose depth is
// configurable, base-32 encoding the chunk name into `dirDepth` fixed
// length segments plus a leaf file whose extension encodes the reference
// count (§4.B, §6).
type FileStore struct {
	root     string
	dirDepth int
	capacity uint64

	chunkCount uint64
	totalSize  uint64
}

// NewFileStore initialises storage under root, creating it if absent, and
// loads or creates the `info` accounting file. A failure to load or save
// `info` fails the whole operation (§4.B).
func NewFileStore(root string, dirDepth int, capacity uint64) (*FileStore, error) {
	if dirDepth <= 0 {
		dirDepth = constants.DefaultDirDepth
	}
	maxSegments := (constants.NameSize + 1) * 8 / 5 / constants.DirSegmentLen
	if dirDepth > maxSegments {
		return nil, fmt.Errorf("bytestore: dir_depth %d exceeds name capacity for segment length %d", dirDepth, constants.DirSegmentLen)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("bytestore: init storage dir: %w", err)
	}
	fs := &FileStore{root: root, dirDepth: dirDepth, capacity: capacity}
	if err := fs.loadInfo(); err != nil {
		return nil, fmt.Errorf("bytestore: load info file: %w", err)
	}
	return fs, nil
}

func (f *FileStore) infoPath() string { return filepath.Join(f.root, constants.InfoFileName) }

func (f *FileStore) loadInfo() error {
	data, err := os.ReadFile(f.infoPath())
	if os.IsNotExist(err) {
		return f.saveInfo()
	}
	if err != nil {
		return err
	}
	if len(data) != 16 {
		return fmt.Errorf("bytestore: malformed info file (want 16 bytes, got %d)", len(data))
	}
	f.chunkCount = binary.BigEndian.Uint64(data[0:8])
	f.totalSize = binary.BigEndian.Uint64(data[8:16])
	return nil
}

func (f *FileStore) saveInfo() error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], f.chunkCount)
	binary.BigEndian.PutUint64(buf[8:16], f.totalSize)
	tmp := f.infoPath() + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.infoPath())
}

// segmentedPath splits the base-32 encoding of name into dirDepth
// fixed-length directory segments plus a leaf basename of what remains.
func (f *FileStore) segmentedPath(name chunkname.Name) (dir string, leaf string) {
	encoded := chunkname.Base32(name)
	parts := make([]string, 0, f.dirDepth)
	pos := 0
	for i := 0; i < f.dirDepth && pos+constants.DirSegmentLen <= len(encoded); i++ {
		parts = append(parts, encoded[pos:pos+constants.DirSegmentLen])
		pos += constants.DirSegmentLen
	}
	leaf = encoded[pos:]
	if leaf == "" {
		leaf = "_"
	}
	dir = filepath.Join(append([]string{f.root}, parts...)...)
	return dir, leaf
}

// findLeaf finds the existing leaf file for name regardless of its
// current reference-count extension, returning (path, refCount, found).
func (f *FileStore) findLeaf(name chunkname.Name) (string, uint64, bool) {
	dir, leaf := f.segmentedPath(name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}
	prefix := leaf + "."
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			countStr := strings.TrimPrefix(e.Name(), prefix)
			count, err := strconv.ParseUint(countStr, 10, 64)
			if err != nil {
				continue
			}
			return filepath.Join(dir, e.Name()), count, true
		}
	}
	return "", 0, false
}

func (f *FileStore) leafPathWithCount(name chunkname.Name, count uint64) string {
	dir, leaf := f.segmentedPath(name)
	return filepath.Join(dir, fmt.Sprintf("%s.%d", leaf, count))
}

func (f *FileStore) Get(name chunkname.Name) ([]byte, bool, error) {
	path, _, ok := f.findLeaf(name)
	if !ok {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *FileStore) GetToFile(name chunkname.Name, sinkPath string) (bool, error) {
	content, ok, err := f.Get(name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.WriteFile(sinkPath, content, 0o600); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) Store(name chunkname.Name, content []byte) (bool, error) {
	if len(content) == 0 {
		return false, nil
	}
	if path, count, ok := f.findLeaf(name); ok {
		newPath := f.leafPathWithCount(name, count+1)
		if err := os.Rename(path, newPath); err != nil {
			return false, err
		}
		f.chunkCount++ // virtual copy, but original increments chunk_count on every Store call too
		return true, f.saveInfo()
	}
	if !f.Vacant(uint64(len(content))) {
		return false, nil
	}
	dir, leaf := f.segmentedPath(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, err
	}
	path := filepath.Join(dir, leaf+".1")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, err
	}
	f.chunkCount++
	f.totalSize += uint64(len(content))
	if err := f.saveInfo(); err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileStore) StoreFromFile(name chunkname.Name, sourcePath string, deleteSource bool) (bool, error) {
	content, err := os.ReadFile(sourcePath)
	if err != nil {
		return false, err
	}
	ok, err := f.Store(name, content)
	if err != nil || !ok {
		return ok, err
	}
	if deleteSource {
		_ = os.Remove(sourcePath)
	}
	return true, nil
}

func (f *FileStore) Delete(name chunkname.Name) (bool, error) {
	path, count, ok := f.findLeaf(name)
	if !ok {
		return true, nil
	}
	if count > 1 {
		newPath := f.leafPathWithCount(name, count-1)
		if err := os.Rename(path, newPath); err != nil {
			return false, err
		}
		f.chunkCount--
		return true, f.saveInfo()
	}
	size, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	f.chunkCount--
	f.decreaseSize(uint64(size.Size()))
	return true, f.saveInfo()
}

func (f *FileStore) Modify(name chunkname.Name, content []byte) (bool, error) {
	path, count, ok := f.findLeaf(name)
	if !ok {
		return false, nil
	}
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	currentSize := uint64(stat.Size())
	newSize := uint64(len(content))
	increase, delta, roomOK := assessSpaceRequirement(currentSize, newSize, func(need uint64) bool {
		return f.capacity == 0 || f.totalSize-currentSize+currentSize+need <= f.capacity
	})
	if increase && !roomOK {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, err
	}
	_ = count
	if increase {
		f.totalSize += delta
	} else {
		f.decreaseSize(delta)
	}
	return true, f.saveInfo()
}

func (f *FileStore) Has(name chunkname.Name) (bool, error) {
	_, _, ok := f.findLeaf(name)
	return ok, nil
}

func (f *FileStore) MoveTo(name chunkname.Name, sink Store) (bool, error) {
	content, ok, err := f.Get(name)
	if err != nil || !ok {
		return false, err
	}
	stored, err := sink.Store(name, content)
	if err != nil || !stored {
		return false, err
	}
	_, err = f.Delete(name)
	return err == nil, err
}

func (f *FileStore) SizeOf(name chunkname.Name) (uint64, error) {
	path, _, ok := f.findLeaf(name)
	if !ok {
		return 0, nil
	}
	stat, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return uint64(stat.Size()), nil
}

func (f *FileStore) Size() uint64 { return f.totalSize }

func (f *FileStore) Capacity() uint64 { return f.capacity }

func (f *FileStore) SetCapacity(capacity uint64) {
	f.capacity = capacity
	if f.capacity > 0 && f.capacity < f.totalSize {
		f.capacity = f.totalSize
	}
}

func (f *FileStore) Vacant(required uint64) bool {
	return f.capacity == 0 || f.totalSize+required <= f.capacity
}

func (f *FileStore) RefCount(name chunkname.Name) (uint64, error) {
	_, count, ok := f.findLeaf(name)
	if !ok {
		return 0, nil
	}
	return count, nil
}

func (f *FileStore) Count() uint64 { return f.chunkCount }

func (f *FileStore) Empty() bool { return f.chunkCount == 0 }

// Clear removes the root directory entirely (§4.B).
func (f *FileStore) Clear() error {
	if err := os.RemoveAll(f.root); err != nil {
		return err
	}
	f.chunkCount = 0
	f.totalSize = 0
	if err := os.MkdirAll(f.root, 0o700); err != nil {
		return err
	}
	return f.saveInfo()
}

func (f *FileStore) ListChunks() ([]ChunkInfo, error) {
	var out []ChunkInfo
	err := filepath.Walk(f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Base(path) == constants.InfoFileName || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		// Rebuild the base-32 name from the directory segments and the leaf
		// (minus its ".N" reference-count extension), then decode it.
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		dot := strings.LastIndex(rel, ".")
		if dot < 0 {
			return nil
		}
		encoded := strings.ReplaceAll(strings.TrimSuffix(rel[:dot], "_"), string(filepath.Separator), "")
		raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(encoded)
		if err != nil {
			return nil
		}
		out = append(out, ChunkInfo{Name: chunkname.Name(raw), Size: uint64(info.Size())})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i].Name) < string(out[j].Name) })
	return out, nil
}

func (f *FileStore) decreaseSize(delta uint64) {
	if delta <= f.totalSize {
		f.totalSize -= delta
	} else {
		f.totalSize = 0
	}
}
