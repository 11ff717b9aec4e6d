// Package routing resolves message descriptors to component types and
// dispatches them onto the target tree.
//
// A descriptor either names its target type (Explicit) or describes what it
// wants done (Implicit) and lets the router match it against the capability
// filters declared in the manifest:
//
//	desc := routing.Descriptor{
//	    Target: routing.Implicit{
//	        Action:     "SEND",
//	        Categories: []string{manifest.CategoryDefault},
//	        Data:       routing.Data{MimeType: "text/plain"},
//	    },
//	    Extras: state.MustBundle(map[string]any{"text": "hi"}),
//	}
//	candidates, err := router.Resolve(desc)
package routing

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	relayerrors "github.com/go-drift/relay/pkg/errors"
	"github.com/go-drift/relay/pkg/state"
)

// Target is either Explicit or Implicit.
type Target interface {
	isTarget()
}

// Explicit names the component type to start.
type Explicit struct {
	Type string
}

// Implicit describes the request for capability matching.
type Implicit struct {
	Action     string
	Categories []string
	Data       Data
}

func (Explicit) isTarget() {}
func (Implicit) isTarget() {}

// Data is the data an implicit message operates on. Both fields are optional.
type Data struct {
	URI      string
	MimeType string
}

// IsZero reports whether the message carries no data.
func (d Data) IsZero() bool {
	return d.URI == "" && d.MimeType == ""
}

// Descriptor is one message.
type Descriptor struct {
	Target Target
	Extras state.Bundle
	// ExpectsResult asks for a result token bound to Origin.
	ExpectsResult bool
	// Origin is the ID of the sending instance. Required when ExpectsResult
	// is set.
	Origin string
	// Tag overrides the tag chosen by the target's launch mode.
	Tag string
}

// parsedData is Data split into the parts patterns match on.
type parsedData struct {
	hasURI bool
	scheme string
	host   string
	path   string
	mime   string
}

func (d Data) parse() (parsedData, error) {
	p := parsedData{mime: strings.ToLower(d.MimeType)}
	if d.URI != "" {
		u, err := url.Parse(d.URI)
		if err != nil {
			return p, err
		}
		p.hasURI = true
		p.scheme = strings.ToLower(u.Scheme)
		p.host = strings.ToLower(u.Hostname())
		p.path = u.EscapedPath()
		if p.path == "" {
			p.path = u.Opaque
		}
	}
	return p, nil
}

func (d Descriptor) validate() error {
	const op = "routing.Resolve"
	switch t := d.Target.(type) {
	case Explicit:
		if t.Type == "" {
			return relayerrors.Newf(op, relayerrors.KindValidation, "", "explicit message has no target type")
		}
	case Implicit:
		if t.Action == "" {
			return relayerrors.Newf(op, relayerrors.KindValidation, "", "implicit message has no action")
		}
		if _, err := t.Data.parse(); err != nil {
			return relayerrors.Newf(op, relayerrors.KindValidation, "", "malformed data URI %q: %v", t.Data.URI, err)
		}
		if t.Data.MimeType != "" && !strings.Contains(t.Data.MimeType, "/") {
			return relayerrors.Newf(op, relayerrors.KindValidation, "", "malformed mime type %q", t.Data.MimeType)
		}
	case nil:
		return relayerrors.Newf(op, relayerrors.KindValidation, "", "message has no target")
	}
	if d.ExpectsResult && d.Origin == "" {
		return relayerrors.Newf(op, relayerrors.KindValidation, "", "message expects a result but has no origin")
	}
	return nil
}

// cacheKey is a canonical form of an implicit target. Category order does not
// matter. Every field is length-prefixed so no field content can collide
// with a separator.
func (t Implicit) cacheKey() string {
	cats := slices.Clone(t.Categories)
	slices.Sort(cats)
	cats = slices.Compact(cats)

	var sb strings.Builder
	field := func(s string) {
		sb.WriteString(strconv.Itoa(len(s)))
		sb.WriteByte(':')
		sb.WriteString(s)
	}
	field(t.Action)
	sb.WriteString(strconv.Itoa(len(cats)))
	sb.WriteByte('#')
	for _, c := range cats {
		field(c)
	}
	field(t.Data.URI)
	field(strings.ToLower(t.Data.MimeType))
	return sb.String()
}
