package executor

import "fmt"

// DeleteMarkerQueue, as a destination path, means "delete the source file
// the next time its queue is drained" — the delete is deferred behind
// whatever copies are already ahead of it.
const DeleteMarkerQueue = "smartcopy_queue_delete_this_file"

// DeleteMarkerNow means "delete the source file immediately", bypassing
// queue order.
const DeleteMarkerNow = "smartcopy_now_delete_this_file"

func isDeleteMarker(destPath string) bool {
	return destPath == DeleteMarkerQueue || destPath == DeleteMarkerNow
}

const sshUser = "mcsdr"

func sshTarget(host string) string { return fmt.Sprintf("%s@%s", sshUser, lower(host)) }

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// buildCopyCommand constructs the argv for a single copy attempt, matching
// the four branches in the command table: local/local, local/remote,
// remote/same-host, remote/other-host. bwLimitMBs, when non-zero, is
// passed as --bwlimit on any branch that crosses hosts.
func buildCopyCommand(sourceHost, sourcePath, destHost, destPath string, bwLimitMBs float64) []string {
	crossHost := sourceHost != destHost

	if sourceHost == "" {
		// Locally originating copy.
		if destHost == "" {
			return []string{"rsync", "-avH", "--append", "--partial", "--progress", sourcePath, destPath}
		}
		args := []string{"rsync", "-avH", "--append-verify", "--partial", "--progress"}
		if crossHost && bwLimitMBs > 0 {
			args = append(args, fmt.Sprintf("--bwlimit=%dm", int64(bwLimitMBs)))
		}
		args = append(args, sourcePath, fmt.Sprintf("%s:%s", destHost, destPath))
		return args
	}

	// Remotely originating copy: runs through ssh on the source host.
	if destHost == sourceHost {
		inner := fmt.Sprintf("shopt -s huponexit && rsync -avH --append --partial --progress %s %s", sourcePath, destPath)
		return []string{"ssh", "-t", "-t", sshTarget(sourceHost), inner}
	}

	bw := ""
	if bwLimitMBs > 0 {
		bw = fmt.Sprintf(" --bwlimit=%dm", int64(bwLimitMBs))
	}
	inner := fmt.Sprintf("shopt -s huponexit && rsync -avH --append-verify --partial --progress%s %s %s:%s", bw, sourcePath, destHost, destPath)
	return []string{"ssh", "-t", "-t", sshTarget(sourceHost), inner}
}

// buildDeleteCommand constructs the argv for a delete of path on host
// ("" meaning local).
func buildDeleteCommand(host, path string) []string {
	if host == "" {
		return []string{"rm", "-f", path}
	}
	inner := fmt.Sprintf("shopt -s huponexit && sudo rm -f %s", path)
	return []string{"ssh", "-t", "-t", sshTarget(host), inner}
}

// buildTruncateCommand returns the precondition command that trims 512 KiB
// from an existing destination file before an append-resume on a site
// flagged unreliable, or nil if no truncation applies. destBasename is the
// file name to substitute into a directory destination.
func buildTruncateCommand(unreliableLink bool, sourceHost, sourcePath, destHost, destPath, destBasename string, destIsDir, destExists bool) []string {
	if !unreliableLink {
		return nil
	}

	if sourceHost == "" {
		if destHost != "" {
			return nil
		}
		if destExists && destIsDir {
			return []string{"bash", "-c", fmt.Sprintf("truncate -c -s -512K %s", join(destPath, destBasename))}
		}
		return []string{"bash", "-c", fmt.Sprintf("truncate -c -s -512K %s", destPath)}
	}

	if destHost != sourceHost {
		return nil
	}
	inner := fmt.Sprintf(
		"if test -e %s && test -d %s; then truncate -c -s -512K %s/`basename %s`; else truncate -c -s -512K %s; fi",
		sourcePath, destPath, destPath, sourcePath, destPath,
	)
	return []string{"ssh", "-t", "-t", sshTarget(sourceHost), inner}
}

func join(dir, file string) string {
	if dir == "" {
		return file
	}
	if dir[len(dir)-1] == '/' {
		return dir + file
	}
	return dir + "/" + file
}

// buildFileProbeCommand returns the argv used for both the file-exists
// check and the size probe ('du -b'), local or over ssh.
func buildFileProbeCommand(host, path string) []string {
	if host == "" {
		return []string{"du", "-b", path}
	}
	return []string{"ssh", "-t", "-t", sshTarget(host), fmt.Sprintf("du -b %s", path)}
}
