//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// writeIDMaps maps the sandboxed uid 0 to the real host uid/gid. It prefers
// newuidmap/newgidmap so that a
// subordinate-ID range from /etc/sub{u,g}id is mapped alongside the single
// identity line — package managers that drop privileges to an unprivileged
// uid inside the sandbox need that range to exist. When the helpers are
// missing or refuse (no /etc/subuid entry, no setuid bit), it falls back to
// writing a single "0 <real> 1" line directly, which is always available to
// the namespace's own creator.
func writeIDMaps(pid int) error {
	uid := os.Getuid()
	gid := os.Getgid()

	if err := tryHelperMapping(pid, uid, gid); err == nil {
		return nil
	}
	return writeSingleLineMapping(pid, uid, gid)
}

func tryHelperMapping(pid, uid, gid int) error {
	subUID, err := subordinateRange("/etc/subuid", uid)
	if err != nil {
		return err
	}
	subGID, err := subordinateRange("/etc/subgid", gid)
	if err != nil {
		return err
	}

	uidArgs := []string{strconv.Itoa(pid), "0", strconv.Itoa(uid), "1", "1", strconv.Itoa(subUID.start), strconv.Itoa(subUID.length)}
	gidArgs := []string{strconv.Itoa(pid), "0", strconv.Itoa(gid), "1", "1", strconv.Itoa(subGID.start), strconv.Itoa(subGID.length)}

	if out, err := exec.Command("newuidmap", uidArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("newuidmap: %w: %s", err, out)
	}
	if out, err := exec.Command("newgidmap", gidArgs...).CombinedOutput(); err != nil {
		return fmt.Errorf("newgidmap: %w: %s", err, out)
	}
	return nil
}

type idRange struct {
	start  int
	length int
}

// subordinateRange reads the first /etc/sub{u,g}id entry for the given name
// or numeric id, e.g. "coop:100000:65536".
func subordinateRange(path string, id int) (idRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return idRange{}, err
	}
	name := strconv.Itoa(id)
	if u := os.Getenv("USER"); u != "" {
		name = u
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) != 3 {
			continue
		}
		if fields[0] != name && fields[0] != strconv.Itoa(id) {
			continue
		}
		start, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		length, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		return idRange{start: start, length: length}, nil
	}
	return idRange{}, fmt.Errorf("%s: no entry for uid/gid %d", path, id)
}

// writeSingleLineMapping maps only the single real uid/gid into the
// namespace: write setgroups=deny, then a single "0 <real> 1" line to each
// of uid_map/gid_map.
func writeSingleLineMapping(pid, uid, gid int) error {
	base := fmt.Sprintf("/proc/%d", pid)
	if err := os.WriteFile(base+"/setgroups", []byte("deny"), 0644); err != nil {
		// Older kernels lack /proc/<pid>/setgroups; gid_map write below will
		// fail anyway if this mattered, so keep going.
		_ = err
	}
	line := []byte(fmt.Sprintf("0 %d 1\n", uid))
	if err := os.WriteFile(base+"/uid_map", line, 0644); err != nil {
		return fmt.Errorf("write uid_map: %w", err)
	}
	line = []byte(fmt.Sprintf("0 %d 1\n", gid))
	if err := os.WriteFile(base+"/gid_map", line, 0644); err != nil {
		return fmt.Errorf("write gid_map: %w", err)
	}
	return nil
}
