// Package bundle moves persona content between stores as a deterministic TAR
// archive: one "blocks/<cid>" entry per object plus an optional index.json
// carrying human labels (e.g. "state", "avatar", "history").
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/immutablenpc/npc/cidutil"
	"github.com/immutablenpc/npc/storage"
)

// FormatVersion is the current bundle index schema version.
const FormatVersion = 1

var epoch0 = time.Unix(0, 0).UTC()

// ExportOptions controls bundle export behavior.
type ExportOptions struct {
	// Labels is optional, non-authoritative metadata mapping names to CIDs.
	Labels map[string]cid.Cid
	// IncludeIndex controls whether index.json is included.
	IncludeIndex bool
}

// Export writes a deterministic TAR bundle containing the blocks for the given CIDs.
//
// Entry order is lexicographic and TAR headers are normalized, so the same
// set of objects always yields the same bytes. Exported bytes are validated
// against their CIDs.
func Export(ctx context.Context, w io.Writer, cas storage.CAS, ids []cid.Cid, opts ExportOptions) error {
	if cas == nil {
		return fmt.Errorf("bundle: nil CAS")
	}

	uniq := make(map[string]cid.Cid, len(ids))
	for _, id := range ids {
		if !id.Defined() {
			return storage.ErrInvalidCID
		}
		uniq[id.String()] = id
	}

	cidStrings := make([]string, 0, len(uniq))
	for s := range uniq {
		cidStrings = append(cidStrings, s)
	}
	sort.Strings(cidStrings)

	tw := tar.NewWriter(w)
	fail := func(err error) error {
		_ = tw.Close()
		return err
	}

	blocks := make([]indexBlock, 0, len(cidStrings))
	for _, s := range cidStrings {
		id := uniq[s]
		b, err := cas.Get(ctx, id)
		if err != nil {
			return fail(fmt.Errorf("bundle: %s: %w", s, err))
		}
		if !cidutil.Verify(id, b) {
			return fail(storage.ErrCIDMismatch)
		}
		if err := writeFile(tw, "blocks/"+s, b); err != nil {
			return fail(err)
		}
		blocks = append(blocks, indexBlock{CID: s, Size: len(b)})
	}

	if opts.IncludeIndex {
		idx := Index{
			Version:   FormatVersion,
			CIDCodec:  "raw",
			Multihash: "sha2-256",
			Blocks:    blocks,
		}

		if len(opts.Labels) > 0 {
			keys := make([]string, 0, len(opts.Labels))
			for k := range opts.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			labels := make([]indexLabel, 0, len(keys))
			for _, k := range keys {
				if k == "" {
					return fail(fmt.Errorf("bundle: empty label key"))
				}
				v := opts.Labels[k]
				if !v.Defined() {
					return fail(storage.ErrInvalidCID)
				}
				labels = append(labels, indexLabel{Name: k, CID: v.String()})
			}
			idx.Labels = labels
		}

		b, err := marshalCanonicalIndexJSON(idx)
		if err != nil {
			return fail(err)
		}
		if err := writeFile(tw, "index.json", b); err != nil {
			return fail(err)
		}
	}

	return tw.Close()
}

// ImportOptions controls bundle import behavior.
type ImportOptions struct {
	// IgnoreUnknown controls whether unknown TAR entries are ignored.
	//
	// Default (false) is fail-closed: unknown entries cause Import to return an error.
	IgnoreUnknown bool
}

// Result describes what an import wrote.
type Result struct {
	Imported []cid.Cid
	// Index is nil when the bundle carried no index.json.
	Index *Index
}

// Import reads a bundle from r and imports all blocks into cas, failing on
// unknown entries.
func Import(ctx context.Context, r io.Reader, cas storage.CAS) (Result, error) {
	return ImportWithOptions(ctx, r, cas, ImportOptions{})
}

// ImportWithOptions reads a bundle from r and imports all blocks into cas.
//
// It validates that each block's bytes match both the filename CID and the computed CID.
func ImportWithOptions(ctx context.Context, r io.Reader, cas storage.CAS, opts ImportOptions) (Result, error) {
	var res Result
	if cas == nil {
		return res, fmt.Errorf("bundle: nil CAS")
	}

	tr := tar.NewReader(r)
	seen := map[string]struct{}{}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		name := cleanTarPath(h.Name)
		if name == "" {
			return res, fmt.Errorf("bundle: invalid entry path: %q", h.Name)
		}

		if h.Typeflag != tar.TypeReg {
			if opts.IgnoreUnknown {
				continue
			}
			return res, fmt.Errorf("bundle: unexpected tar entry type: %v (%s)", h.Typeflag, name)
		}

		if name == "index.json" {
			var idx Index
			if err := json.NewDecoder(tr).Decode(&idx); err != nil {
				return res, fmt.Errorf("bundle: index.json: %w", err)
			}
			res.Index = &idx
			continue
		}

		if !strings.HasPrefix(name, "blocks/") {
			if opts.IgnoreUnknown {
				_, _ = io.Copy(io.Discard, tr)
				continue
			}
			return res, fmt.Errorf("bundle: unknown entry: %s", name)
		}

		id, derr := cid.Decode(strings.TrimPrefix(name, "blocks/"))
		if derr != nil || !id.Defined() {
			return res, storage.ErrInvalidCID
		}

		payload, rerr := io.ReadAll(tr)
		if rerr != nil {
			return res, rerr
		}
		if !cidutil.Verify(id, payload) {
			return res, storage.ErrCIDMismatch
		}

		key := id.String()
		if _, ok := seen[key]; ok {
			return res, fmt.Errorf("bundle: duplicate block entry: %s", key)
		}
		seen[key] = struct{}{}

		putID, perr := cas.Put(ctx, payload)
		if perr != nil {
			return res, perr
		}
		if !putID.Equals(id) {
			return res, storage.ErrCIDMismatch
		}
		res.Imported = append(res.Imported, id)
	}
}

// Index is the optional index.json entry.
type Index struct {
	Version   int          `json:"version"`
	CIDCodec  string       `json:"cidCodec"`
	Multihash string       `json:"multihash"`
	Blocks    []indexBlock `json:"blocks"`
	Labels    []indexLabel `json:"labels,omitempty"`
}

// Label returns the CID stored under name, if any.
func (idx *Index) Label(name string) (cid.Cid, bool) {
	if idx == nil {
		return cid.Undef, false
	}
	for _, l := range idx.Labels {
		if l.Name == name {
			id, err := cid.Decode(l.CID)
			return id, err == nil
		}
	}
	return cid.Undef, false
}

type indexBlock struct {
	CID  string `json:"cid"`
	Size int    `json:"size"`
}

type indexLabel struct {
	Name string `json:"name"`
	CID  string `json:"cid"`
}

func marshalCanonicalIndexJSON(idx Index) ([]byte, error) {
	// Structs and sorted slices only, so encoding/json output is stable.
	b, err := json.Marshal(idx)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatUSTAR,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

func cleanTarPath(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return ""
	}

	parts := strings.Split(name, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
	}
	return strings.Join(parts, "/")
}
