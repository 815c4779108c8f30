//go:build unix

/*
 *
 * Copyright 2025 The tiny-llm-server Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// segment is a mapped shared-memory region file.
type segment struct {
	file   *os.File
	mem    []byte
	region *sharedRegion
	path   string
}

// createSegment creates, sizes, maps, and initializes the region file for the
// gateway. Any stale file with the same name left behind by a crashed run is
// removed first.
func createSegment(name string) (*segment, error) {
	path := segmentPath(name)

	// Destroy orphaned IPC state from a prior run before creating afresh.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale segment %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(regionSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to size segment file: %w", err)
	}

	mem, err := mapFile(file, regionSize)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := &segment{
		file:   file,
		mem:    mem,
		region: (*sharedRegion)(unsafe.Pointer(&mem[0])),
		path:   path,
	}
	initRegion(seg.region)
	return seg, nil
}

// openSegment maps an existing region file for a worker and validates it.
func openSegment(name string) (*segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}
	if info.Size() < int64(regionSize) {
		file.Close()
		return nil, fmt.Errorf("%w: segment file is %d bytes, need %d", ErrBadRegion, info.Size(), regionSize)
	}

	mem, err := mapFile(file, regionSize)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := &segment{
		file:   file,
		mem:    mem,
		region: (*sharedRegion)(unsafe.Pointer(&mem[0])),
		path:   path,
	}
	if err := validateRegion(seg.region); err != nil {
		seg.close()
		return nil, err
	}
	return seg, nil
}

// close unmaps the region and closes the file. It does not unlink; only the
// gateway removes the name.
func (s *segment) close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mem = nil
		s.region = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// unlink removes the segment name from the filesystem.
func (s *segment) unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// segmentPath maps a POSIX shm name like "/inference_shm" to a backing file
// path, preferring /dev/shm when it exists.
func segmentPath(name string) string {
	base := strings.TrimPrefix(name, "/")
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", base)
	}
	return filepath.Join(os.TempDir(), base)
}

// RemoveRegion removes a region file by name regardless of who created it.
// Used by tests and by operators cleaning up after a crash.
func RemoveRegion(name string) error {
	if err := os.Remove(segmentPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RegionExists reports whether a region file with the given name is present.
func RegionExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// mapFile memory-maps size bytes of file read-write and shared.
func mapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}
