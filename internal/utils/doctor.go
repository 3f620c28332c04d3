package utils

import (
	"fmt"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to unprivileged callers on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// TotalMemoryBytes returns the physical memory reported by the host.
func TotalMemoryBytes() (int64, error) {
	mem, err := ghw.Memory()
	if err != nil {
		return 0, err
	}
	return mem.TotalPhysicalBytes, nil
}

// BlockDevices returns a short description per disk, for the doctor report.
func BlockDevices() ([]string, error) {
	blk, err := ghw.Block()
	if err != nil {
		return nil, err
	}
	var devs []string
	for _, disk := range blk.Disks {
		devs = append(devs, fmt.Sprintf("%s (%d bytes)", disk.Name, disk.SizeBytes))
	}
	return devs, nil
}

// IsReadonlyMount reports whether the mount holding path is mounted ro.
// Provisioning into a read-only tree fails with EROFS mid-install, so the
// preflight asks first.
func IsReadonlyMount(path string) (bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(path))
	if err != nil {
		return false, err
	}
	// The longest matching mountpoint is the one actually holding the path.
	var best *mountinfo.Info
	for _, m := range mounts {
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil {
		return false, nil
	}
	for _, opt := range strings.Split(best.Options, ",") {
		if opt == "ro" {
			return true, nil
		}
	}
	return false, nil
}
