package routing

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/go-drift/relay/pkg/manifest"
)

// Path match ranks.
const (
	PathAny = iota
	PathPrefix
	PathGlob
	PathExact
)

// Mime match ranks.
const (
	MimeNone = iota
	MimeAny
	MimeSubtype
	MimeExact
)

// Specificity ranks how closely a filter matched a descriptor's data. Fields
// compare in declaration order, so a scheme match outranks anything a host
// match adds, and so on down to the mime type.
type Specificity struct {
	Scheme int
	Host   int
	Path   int
	Mime   int
}

// Compare returns -1, 0 or +1 as s is less, equally or more specific than o.
func (s Specificity) Compare(o Specificity) int {
	return cmp.Or(
		cmp.Compare(s.Scheme, o.Scheme),
		cmp.Compare(s.Host, o.Host),
		cmp.Compare(s.Path, o.Path),
		cmp.Compare(s.Mime, o.Mime),
	)
}

func (s Specificity) String() string {
	return fmt.Sprintf("scheme=%d host=%d path=%d mime=%d", s.Scheme, s.Host, s.Path, s.Mime)
}

// matchFilter reports whether f accepts the implicit target and how
// specifically. A filter without data patterns accepts only messages without
// data.
func matchFilter(f *manifest.Filter, t Implicit, d parsedData) (Specificity, bool) {
	if f.Action != t.Action {
		return Specificity{}, false
	}
	for _, c := range t.Categories {
		if !f.HasCategory(c) {
			return Specificity{}, false
		}
	}
	if len(f.Data) == 0 {
		return Specificity{}, t.Data.IsZero()
	}
	var best Specificity
	found := false
	for i := range f.Data {
		s, ok := matchPattern(&f.Data[i], d)
		if ok && (!found || s.Compare(best) > 0) {
			best, found = s, true
		}
	}
	return best, found
}

// matchPattern matches scheme, then host, then path, then mime type. Empty
// URI fields in the pattern accept anything. The mime type must be present on
// both sides or on neither.
func matchPattern(p *manifest.DataPattern, d parsedData) (Specificity, bool) {
	var s Specificity

	if p.Scheme != "" {
		if !d.hasURI || !strings.EqualFold(p.Scheme, d.scheme) {
			return s, false
		}
		s.Scheme = 1
	}

	if p.Host != "" {
		switch {
		case !d.hasURI:
			return s, false
		case strings.HasPrefix(p.Host, "*"):
			if !strings.HasSuffix(d.host, strings.ToLower(p.Host[1:])) {
				return s, false
			}
			s.Host = 1
		case strings.EqualFold(p.Host, d.host):
			s.Host = 2
		default:
			return s, false
		}
	}

	switch {
	case p.Path != "":
		if !d.hasURI || d.path != p.Path {
			return s, false
		}
		s.Path = PathExact
	case p.PathGlob != "":
		if !d.hasURI || !p.MatchGlob(d.path) {
			return s, false
		}
		s.Path = PathGlob
	case p.PathPrefix != "":
		if !d.hasURI || !strings.HasPrefix(d.path, p.PathPrefix) {
			return s, false
		}
		s.Path = PathPrefix
	}

	pm := strings.ToLower(p.MimeType)
	switch {
	case pm == "" && d.mime == "":
		s.Mime = MimeNone
	case pm == "" || d.mime == "":
		return s, false
	case pm == "*/*":
		s.Mime = MimeAny
	case strings.HasSuffix(pm, "/*"):
		major, _, _ := strings.Cut(d.mime, "/")
		if major+"/*" != pm {
			return s, false
		}
		s.Mime = MimeSubtype
	case pm == d.mime:
		s.Mime = MimeExact
	default:
		return s, false
	}
	return s, true
}
