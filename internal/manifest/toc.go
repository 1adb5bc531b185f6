package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/columnforge/ctable/internal/sstable"
	"github.com/columnforge/ctable/internal/storageerr"
	"github.com/columnforge/ctable/internal/vfs"
)

// WriteTOC atomically replaces tocName with the complete set of live
// descriptors, one per level per line: "<level>\t<keyspace>\t<cf>\t
// <generation>\t<version>". Recovery via ReadTOC rejects any descriptor
// whose component files are incomplete.
//
// This is a flat listing of live descriptors rather than a replayed log
// of edits, since this engine keeps only the current Manifest state in
// memory and has no edit history to replay.
func WriteTOC(fs vfs.FS, tocName string, byLevel [][]sstable.Descriptor) error {
	tmp := tocName + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "manifest: create %s", tmp)
	}

	var buf strings.Builder
	for level, descs := range byLevel {
		for _, d := range descs {
			fmt.Fprintf(&buf, "%d\t%s\t%s\t%d\t%s\n", level, d.Keyspace, d.CF, d.Generation, d.Version)
		}
	}

	if _, err := f.Write([]byte(buf.String())); err != nil {
		f.Close()
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "manifest: write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "manifest: sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "manifest: close %s", tmp)
	}
	if err := fs.Rename(tmp, tocName); err != nil {
		return storageerr.WrapCause(storageerr.KindIOWrite, err, "manifest: rename %s to %s", tmp, tocName)
	}
	return fs.SyncDir(".")
}

// ReadTOC parses a TOC file written by WriteTOC, rejecting any descriptor
// whose component file set is incomplete on fs. A missing TOC file (first
// startup) returns numLevels empty slices, not an error.
func ReadTOC(fs vfs.FS, tocName string, numLevels int) ([][]sstable.Descriptor, error) {
	out := make([][]sstable.Descriptor, numLevels)
	if !fs.Exists(tocName) {
		return out, nil
	}

	f, err := fs.OpenRandomAccess(tocName)
	if err != nil {
		return nil, storageerr.WrapCause(storageerr.KindIORead, err, "manifest: open %s", tocName)
	}
	defer f.Close()

	raw := make([]byte, f.Size())
	if _, err := f.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, storageerr.WrapCause(storageerr.KindIORead, err, "manifest: read %s", tocName)
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 5 {
			return nil, storageerr.Wrap(storageerr.KindCorrupt, "manifest: malformed TOC line %q", line)
		}

		level, err := strconv.Atoi(parts[0])
		if err != nil || level < 0 || level >= numLevels {
			return nil, storageerr.Wrap(storageerr.KindCorrupt, "manifest: bad TOC level in %q", line)
		}
		gen, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return nil, storageerr.Wrap(storageerr.KindCorrupt, "manifest: bad TOC generation in %q", line)
		}

		desc := sstable.Descriptor{Keyspace: parts[1], CF: parts[2], Generation: gen, Version: parts[4]}
		for _, p := range desc.ComponentPaths() {
			if !fs.Exists(p) {
				return nil, storageerr.Wrap(storageerr.KindCorrupt,
					"manifest: TOC entry %s missing component %s", desc, p)
			}
		}
		out[level] = append(out[level], desc)
	}
	if err := scanner.Err(); err != nil {
		return nil, storageerr.WrapCause(storageerr.KindCorrupt, err, "manifest: scan %s", tocName)
	}
	return out, nil
}
