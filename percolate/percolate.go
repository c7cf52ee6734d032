// Package percolate builds percolate count requests, as esmux messages.
package percolate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/joeycumines/go-esmux"
	"github.com/joeycumines/go-utilpkg/jsonenc"
)

type (
	// Count models a percolate count request, which counts the registered
	// queries matching a document. The document is either provided inline,
	// via Doc or Fields, or is an existing document, identified by ID.
	Count struct {
		// Index is required.
		Index string

		// Type is required if ID is set.
		Type string

		// ID identifies an existing document, to percolate.
		ID string

		// Doc is the raw JSON document, and takes precedence over Fields.
		Doc json.RawMessage

		// Fields is an alternative to Doc, for simple documents.
		Fields []Field

		// Params are added as the query string, e.g. routing.
		Params url.Values
	}

	// Field is a single document field. Value may be a string, bool, any
	// numeric type, nil, json.RawMessage, or anything supported by
	// encoding/json.
	Field struct {
		Value any
		Name  string
	}

	// CountResponse is the decoded body of a successful response.
	CountResponse struct {
		Total int64 `json:"total"`
		Took  int64 `json:"took"`
	}
)

var (
	// ErrMissingIndex is returned if Count.Index is empty.
	ErrMissingIndex = errors.New(`percolate: missing index`)

	// ErrMissingType is returned if Count.ID is set without Count.Type.
	ErrMissingType = errors.New(`percolate: id requires type`)
)

// Path returns the request target, one of:
//
//	/{index}/_percolate/count
//	/{index}/{type}/_percolate/count
//	/{index}/{type}/{id}/_percolate/count
//
// With Params encoded as the query string.
func (x *Count) Path() (string, error) {
	if x.Index == `` {
		return ``, ErrMissingIndex
	}
	if x.ID != `` && x.Type == `` {
		return ``, ErrMissingType
	}

	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(url.PathEscape(x.Index))
	if x.Type != `` {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(x.Type))
		if x.ID != `` {
			b.WriteByte('/')
			b.WriteString(url.PathEscape(x.ID))
		}
	}
	b.WriteString(`/_percolate/count`)
	if len(x.Params) != 0 {
		b.WriteByte('?')
		b.WriteString(x.Params.Encode())
	}

	return b.String(), nil
}

// Method returns POST if the request has a body, otherwise GET.
func (x *Count) Method() string {
	if len(x.Doc) != 0 || len(x.Fields) != 0 {
		return http.MethodPost
	}
	return http.MethodGet
}

// Body returns the request body, or nil, if the document is identified by
// ID only.
func (x *Count) Body() ([]byte, error) {
	switch {
	case len(x.Doc) != 0:
		if !json.Valid(x.Doc) {
			return nil, errors.New(`percolate: invalid doc`)
		}
		b := make([]byte, 0, len(x.Doc)+8)
		b = append(b, `{"doc":`...)
		b = append(b, x.Doc...)
		return append(b, '}'), nil

	case len(x.Fields) != 0:
		b := append(make([]byte, 0, 64), `{"doc":{`...)
		for i, field := range x.Fields {
			if i != 0 {
				b = append(b, ',')
			}
			b = jsonenc.AppendString(b, field.Name)
			b = append(b, ':')
			var err error
			if b, err = appendValue(b, field.Value); err != nil {
				return nil, fmt.Errorf(`percolate: field %q: %w`, field.Name, err)
			}
		}
		return append(b, `}}`...), nil

	default:
		return nil, nil
	}
}

// NewMessage builds a message for the request. The returned message may be
// customized, e.g. to set a Context, prior to pushing it.
func NewMessage[C any](count *Count, data C, sink esmux.Sink[C]) (*esmux.Message[C], error) {
	path, err := count.Path()
	if err != nil {
		return nil, err
	}
	body, err := count.Body()
	if err != nil {
		return nil, err
	}
	header := make(http.Header, 1)
	header.Set(`Content-Type`, `application/json`)
	return &esmux.Message[C]{
		Method: count.Method(),
		Target: path,
		Header: header,
		Body:   body,
		Data:   data,
		Sink:   sink,
	}, nil
}

// ParseCountResponse decodes the body of a successful response.
func ParseCountResponse(body []byte) (*CountResponse, error) {
	var resp CountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf(`percolate: invalid count response: %w`, err)
	}
	return &resp, nil
}

func appendValue(b []byte, value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return append(b, `null`...), nil
	case string:
		return jsonenc.AppendString(b, v), nil
	case bool:
		return strconv.AppendBool(b, v), nil
	case int:
		return strconv.AppendInt(b, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(b, v, 10), nil
	case int32:
		return strconv.AppendInt(b, int64(v), 10), nil
	case uint64:
		return strconv.AppendUint(b, v, 10), nil
	case uint32:
		return strconv.AppendUint(b, uint64(v), 10), nil
	case float32:
		// NaN and infinities are encoded as strings
		return jsonenc.AppendFloat32(b, v), nil
	case float64:
		return jsonenc.AppendFloat64(b, v), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New(`invalid raw value`)
		}
		return append(b, v...), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return append(b, data...), nil
	}
}
