//go:build unix

package diskguard

import "golang.org/x/sys/unix"

func statFS(dir string) (total, used, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, 0, err
	}
	bsize := uint64(st.Bsize)
	total = uint64(st.Blocks) * bsize
	free = uint64(st.Bavail) * bsize
	used = total - uint64(st.Bfree)*bsize
	return total, used, free, nil
}
