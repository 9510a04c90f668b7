package snapshot

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"vigil/internal/frame"
)

// shmSink publishes the JPEG into a POSIX shared-memory object under
// /dev/shm. The record layout is an 8-byte little-endian length followed by
// the JPEG bytes. Writer/reader exclusion is a flock on a companion lock
// file derived from the configured semaphore name; readers must take a
// shared lock, and must not unlink either object.
type shmSink struct {
	log      *zap.Logger
	shmPath  string
	lockPath string
	size     int

	shmFd  int
	lockFd int
	mem    []byte
}

func shmObjectPath(name string) string {
	return path.Join("/dev/shm", strings.TrimPrefix(name, "/"))
}

func newShmSink(name, semaphoreName string, size int, log *zap.Logger) (*shmSink, error) {
	if size <= 8 {
		return nil, fmt.Errorf("shared memory size %d is too small", size)
	}
	s := &shmSink{
		log:      log,
		shmPath:  shmObjectPath(name),
		lockPath: shmObjectPath("sem." + strings.TrimPrefix(semaphoreName, "/")),
		size:     size,
		shmFd:    -1,
		lockFd:   -1,
	}

	oldMask := unix.Umask(0)
	defer unix.Umask(oldMask)

	fd, err := unix.Open(s.shmPath, unix.O_RDWR|unix.O_CREAT, 0o777)
	if err != nil {
		return nil, fmt.Errorf("opening shared memory %s: %w", s.shmPath, err)
	}
	s.shmFd = fd
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("sizing shared memory %s: %w", s.shmPath, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("mapping shared memory %s: %w", s.shmPath, err)
	}
	s.mem = mem

	lockFd, err := unix.Open(s.lockPath, unix.O_RDWR|unix.O_CREAT, 0o777)
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("opening lock file %s: %w", s.lockPath, err)
	}
	s.lockFd = lockFd

	log.Info("shared memory snapshot sink enabled",
		zap.String("shm", s.shmPath), zap.String("lock", s.lockPath), zap.Int("size", size))
	return s, nil
}

func (s *shmSink) Publish(jpeg []byte, _ *frame.Context) error {
	if len(jpeg) > s.size-8 {
		return fmt.Errorf("encoded image (%d bytes) too large for shared memory (%d bytes)",
			len(jpeg), s.size)
	}
	if err := unix.Flock(s.lockFd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking %s: %w", s.lockPath, err)
	}
	defer unix.Flock(s.lockFd, unix.LOCK_UN)

	binary.LittleEndian.PutUint64(s.mem[:8], uint64(len(jpeg)))
	copy(s.mem[8:], jpeg)
	return nil
}

// Close unmaps and unlinks both objects. Only the writer unlinks.
func (s *shmSink) Close() error {
	s.cleanup()
	unix.Unlink(s.lockPath)
	unix.Unlink(s.shmPath)
	return nil
}

func (s *shmSink) cleanup() {
	if s.mem != nil {
		unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.shmFd >= 0 {
		unix.Close(s.shmFd)
		s.shmFd = -1
	}
	if s.lockFd >= 0 {
		unix.Close(s.lockFd)
		s.lockFd = -1
	}
}
