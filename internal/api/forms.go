package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/aivideostudio/studio-gateway/internal/errs"
	"github.com/aivideostudio/studio-gateway/internal/media"
)

const multipartMemory = 32 << 20

type fieldKind int

const (
	kindText fieldKind = iota
	kindBool
	kindNumber
	kindInteger
)

type timeoutClass int

const (
	timeoutShort timeoutClass = iota
	timeoutGenerate
	timeoutVideo
)

// formField declares one value forwarded to the media service. Bounds are
// decimal strings; an empty bound is open.
type formField struct {
	name     string
	def      string
	required bool
	kind     fieldKind
	min      string
	max      string
	minOpen  bool
}

// formSpec declares what a forwarding route accepts. Only declared fields
// and the declared attachment field are forwarded, in declaration order.
type formSpec struct {
	operation string
	fields    []formField
	fileField string
	minFiles  int
	maxFiles  int
	timeout   timeoutClass
}

var createVideoForm = formSpec{
	operation: "create-video",
	fileField: "images",
	minFiles:  1,
	timeout:   timeoutVideo,
	fields: []formField{
		{name: "audio_text"},
		{name: "voice", def: "en-us-female"},
		{name: "duration_per_image", def: "3.0", kind: kindNumber, min: "0", minOpen: true},
		{name: "transition", def: "fade"},
		{name: "filter", def: "none"},
		{name: "enhance", def: "false", kind: kindBool},
		{name: "auto_duration", def: "true", kind: kindBool},
		{name: "music_track"},
		{name: "music_volume", def: "0.3", kind: kindNumber, min: "0", max: "1"},
		{name: "add_subtitles", def: "false", kind: kindBool},
		{name: "words_per_subtitle", def: "5", kind: kindInteger, min: "1"},
	},
}

var generateImageForm = formSpec{
	operation: "generate-image",
	timeout:   timeoutGenerate,
	fields: []formField{
		{name: "prompt", required: true},
		{name: "negative_prompt", def: "blurry, bad quality, distorted"},
		{name: "num_images", def: "1", kind: kindInteger, min: "1", max: "4"},
		{name: "width", def: "512", kind: kindInteger, min: "64", max: "2048"},
		{name: "height", def: "512", kind: kindInteger, min: "64", max: "2048"},
	},
}

var advancedTTSForm = formSpec{
	operation: "advanced-tts",
	timeout:   timeoutGenerate,
	fields: []formField{
		{name: "text", required: true},
		{name: "voice", def: "en-US-AriaNeural"},
		{name: "rate", def: "+0%"},
		{name: "pitch", def: "+0Hz"},
	},
}

var textToSpeechForm = formSpec{
	operation: "text-to-speech",
	timeout:   timeoutGenerate,
	fields: []formField{
		{name: "text", required: true},
	},
}

var processImageForm = formSpec{
	operation: "process-image",
	fileField: "file",
	minFiles:  1,
	maxFiles:  1,
	timeout:   timeoutGenerate,
	fields: []formField{
		{name: "effect", def: "none"},
		{name: "filter", def: "none"},
		{name: "enhance", def: "false", kind: kindBool},
	},
}

var stockDownloadForm = formSpec{
	operation: "stock-photos/download",
	timeout:   timeoutShort,
	fields: []formField{
		{name: "photo_url", required: true},
		{name: "photo_id", required: true},
	},
}

// formInput is a decoded request body, whatever its encoding.
type formInput struct {
	values map[string]string
	files  map[string][]*multipart.FileHeader
	form   *multipart.Form
}

// cleanup removes temp files spilled by multipart parsing.
func (in *formInput) cleanup() {
	if in.form != nil {
		in.form.RemoveAll()
	}
}

func (in *formInput) get(name string) string {
	return strings.TrimSpace(in.values[name])
}

func (in *formInput) fileCount() int {
	n := 0
	for _, fhs := range in.files {
		n += len(fhs)
	}
	return n
}

// readForm decodes a multipart, url-encoded or flat JSON body. The body is
// capped at maxBytes and the total number of uploaded files at maxFiles.
func readForm(w http.ResponseWriter, r *http.Request, maxBytes int64, maxFiles int) (*formInput, error) {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}

	in := &formInput{values: map[string]string{}}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, bodyError(err)
		}
		in.form = r.MultipartForm
		for k, vs := range r.MultipartForm.Value {
			if len(vs) > 0 {
				in.values[k] = vs[0]
			}
		}
		in.files = r.MultipartForm.File

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		for k := range r.PostForm {
			in.values[k] = r.PostForm.Get(k)
		}

	case "application/json":
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, bodyError(err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				in.values[k] = val
			case json.Number:
				in.values[k] = val.String()
			case bool:
				in.values[k] = strconv.FormatBool(val)
			default:
				return nil, errs.Invalid(k, "must be a string, number or boolean")
			}
		}

	case "":
		// no body

	default:
		return nil, errs.Invalid("", fmt.Sprintf("unsupported content type %q", mediaType))
	}

	if maxFiles > 0 && in.fileCount() > maxFiles {
		in.cleanup()
		return nil, errs.Invalid("files", fmt.Sprintf("at most %d files per request", maxFiles))
	}
	return in, nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return &errs.ValidationError{
			Reason:   fmt.Sprintf("request body exceeds %d bytes", mbe.Limit),
			TooLarge: true,
		}
	}
	// multipart parsing does not always wrap the reader error.
	if strings.Contains(err.Error(), "request body too large") {
		return &errs.ValidationError{Reason: "request body too large", TooLarge: true}
	}
	return errs.Invalid("", "invalid request body")
}

// build validates in against the form fields and assembles the outbound payload.
func (s formSpec) build(in *formInput) (media.Payload, error) {
	var payload media.Payload

	for _, f := range s.fields {
		v := in.get(f.name)
		if v == "" {
			if f.required {
				return payload, errs.Invalid(f.name, "is required")
			}
			if f.def == "" {
				continue
			}
			v = f.def
		}

		norm, err := f.validate(v)
		if err != nil {
			return payload, err
		}
		payload.Set(f.name, norm)
	}

	if s.fileField != "" {
		fhs := in.files[s.fileField]
		if len(fhs) < s.minFiles {
			return payload, errs.Invalid(s.fileField, "no files uploaded")
		}
		if s.maxFiles > 0 && len(fhs) > s.maxFiles {
			return payload, errs.Invalid(s.fileField, fmt.Sprintf("at most %d files allowed", s.maxFiles))
		}
		for _, fh := range fhs {
			payload.Files = append(payload.Files, fileAttachment(s.fileField, fh))
		}
	}

	return payload, nil
}

func (f formField) validate(v string) (string, error) {
	switch f.kind {
	case kindBool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", errs.Invalid(f.name, "must be true or false")
		}
		return strconv.FormatBool(b), nil

	case kindNumber, kindInteger:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return "", errs.Invalid(f.name, "must be a number")
		}
		if f.kind == kindInteger && !d.IsInteger() {
			return "", errs.Invalid(f.name, "must be an integer")
		}
		if f.min != "" {
			lo := decimal.RequireFromString(f.min)
			if d.LessThan(lo) || (f.minOpen && d.Equal(lo)) {
				if f.minOpen {
					return "", errs.Invalid(f.name, "must be greater than "+f.min)
				}
				return "", errs.Invalid(f.name, "must be at least "+f.min)
			}
		}
		if f.max != "" && d.GreaterThan(decimal.RequireFromString(f.max)) {
			return "", errs.Invalid(f.name, "must be at most "+f.max)
		}
		return v, nil
	}
	return v, nil
}

func fileAttachment(field string, fh *multipart.FileHeader) media.Attachment {
	return media.Attachment{
		Field:       field,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

// queryParams copies the named parameters of q that are present and
// non-empty.
func queryParams(q url.Values, names ...string) url.Values {
	out := url.Values{}
	for _, n := range names {
		if v := strings.TrimSpace(q.Get(n)); v != "" {
			out.Set(n, v)
		}
	}
	return out
}
