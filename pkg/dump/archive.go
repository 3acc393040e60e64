package dump

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeromicro/go-zero/core/logx"
)

// ErrNoSQLMember is returned when an archive holds no .sql or .sql.gz file.
var ErrNoSQLMember = errors.New("no SQL dump file found in archive")

// Member describes a candidate SQL file inside a snapshot archive.
type Member struct {
	Name string
	Size int64
}

// Archive is a reader over the selected SQL member of a .tgz snapshot.
type Archive struct {
	Member Member

	file  *os.File
	outer *gzip.Reader
	inner *gzip.Reader
	r     io.Reader
}

// SelectMember picks the SQL member to decode: names containing
// market_history win over other SQL files, then the largest size.
func SelectMember(members []Member) (Member, bool) {
	var sqlMembers, marketMembers []Member
	for _, m := range members {
		lower := strings.ToLower(m.Name)
		if !strings.HasSuffix(lower, ".sql") && !strings.HasSuffix(lower, ".sql.gz") {
			continue
		}
		sqlMembers = append(sqlMembers, m)
		if strings.Contains(lower, TargetTable) {
			marketMembers = append(marketMembers, m)
		}
	}
	candidates := marketMembers
	if len(candidates) == 0 {
		candidates = sqlMembers
	}
	if len(candidates) == 0 {
		return Member{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Size > candidates[j].Size })
	return candidates[0], true
}

// OpenArchive opens a gzip-compressed tarball and positions the returned
// reader at the selected SQL member.
func OpenArchive(path string) (*Archive, error) {
	members, err := listMembers(path)
	if err != nil {
		return nil, err
	}
	selected, ok := SelectMember(members)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSQLMember, filepath.Base(path))
	}

	a := &Archive{Member: selected}
	tr, err := a.openTar(path)
	if err != nil {
		return nil, err
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			a.Close()
			return nil, fmt.Errorf("dump: member %s vanished from %s", selected.Name, path)
		}
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("dump: read archive %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeReg && hdr.Name == selected.Name {
			break
		}
	}
	a.r = tr
	if strings.HasSuffix(strings.ToLower(selected.Name), ".gz") {
		inner, err := gzip.NewReader(tr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("dump: open member %s: %w", selected.Name, err)
		}
		a.inner = inner
		a.r = inner
	}
	logx.Infof("dump: using member %s (%d bytes) from %s", selected.Name, selected.Size, filepath.Base(path))
	return a, nil
}

func (a *Archive) openTar(path string) (*tar.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dump: open archive: %w", err)
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dump: read archive %s: %w", path, err)
	}
	a.file, a.outer = f, gz
	return tar.NewReader(gz), nil
}

// Read implements io.Reader over the selected member.
func (a *Archive) Read(p []byte) (int, error) {
	if a.r == nil {
		return 0, io.EOF
	}
	return a.r.Read(p)
}

// Close releases the archive file handles.
func (a *Archive) Close() error {
	if a.inner != nil {
		a.inner.Close()
	}
	if a.outer != nil {
		a.outer.Close()
	}
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

func listMembers(path string) ([]Member, error) {
	var probe Archive
	tr, err := probe.openTar(path)
	if err != nil {
		return nil, err
	}
	defer probe.Close()

	var members []Member
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return members, nil
		}
		if err != nil {
			return nil, fmt.Errorf("dump: read archive %s: %w", path, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			members = append(members, Member{Name: hdr.Name, Size: hdr.Size})
		}
	}
}

// DecodeFile decodes a snapshot file. Tarballs (.tgz, .tar.gz) go through
// member selection, .sql.gz is decompressed, anything else is read as text.
func DecodeFile(path string, emit func(Row)) (Stats, error) {
	lower := strings.ToLower(path)
	label := filepath.Base(path)
	switch {
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		a, err := OpenArchive(path)
		if err != nil {
			return Stats{}, err
		}
		defer a.Close()
		return Decode(a, a.Member.Name, emit)
	case strings.HasSuffix(lower, ".gz"):
		f, err := os.Open(path)
		if err != nil {
			return Stats{}, fmt.Errorf("dump: open %s: %w", label, err)
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("dump: open %s: %w", label, err)
		}
		defer gz.Close()
		return Decode(gz, label, emit)
	default:
		f, err := os.Open(path)
		if err != nil {
			return Stats{}, fmt.Errorf("dump: open %s: %w", label, err)
		}
		defer f.Close()
		return Decode(f, label, emit)
	}
}
