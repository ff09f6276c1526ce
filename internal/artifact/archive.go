package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ManifestPath is where every archive carries its manifest.
const ManifestPath = "META-INF/MANIFEST.MF"

// archiveTime is stamped on every entry so that identical inputs give
// byte-identical archives.
var archiveTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// entry is one file of an archive, read from disk (path) or memory (data).
type entry struct {
	name string
	path string
	data []byte
}

func (e entry) open() (io.ReadCloser, error) {
	if e.path == "" {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	return os.Open(e.path)
}

// Manifest renders attributes in manifest form, Manifest-Version first and
// the rest in key order. Values are written verbatim.
func Manifest(attrs map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		if k == "" || strings.ContainsAny(k, ": \r\n") {
			return nil, fmt.Errorf("invalid manifest attribute name %q", k)
		}
		if strings.ContainsAny(v, "\r\n") {
			return nil, fmt.Errorf("manifest attribute %s: value spans lines", k)
		}
		if k != "Manifest-Version" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var b bytes.Buffer
	version := attrs["Manifest-Version"]
	if version == "" {
		version = "1.0"
	}
	fmt.Fprintf(&b, "Manifest-Version: %s\r\n", version)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, attrs[k])
	}
	b.WriteString("\r\n")
	return b.Bytes(), nil
}

// ParseManifest reads back what Manifest wrote.
func ParseManifest(data []byte) (map[string]string, error) {
	out := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed manifest line %q", line)
		}
		out[k] = v
	}
	return out, nil
}

// writeArchive writes a zip with the manifest first and the entries in name
// order.
func writeArchive(path string, manifest []byte, entries []entry) (err error) {
	if len(entries) == 0 {
		return errors.New("nothing to archive")
	}
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.name, b.name) })

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	zw := zip.NewWriter(f)
	all := append([]entry{{name: ManifestPath, data: manifest}}, entries...)
	for _, e := range all {
		if err := addEntry(zw, e); err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return zw.Close()
}

func addEntry(zw *zip.Writer, e entry) error {
	hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate, Modified: archiveTime}
	hdr.SetMode(0o644)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	r, err := e.open()
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}
