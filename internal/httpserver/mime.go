package httpserver

import "strings"

// mimeByExtension is the MIME map from the external interface spec: it
// looks at the last path segment's extension only, never sniffs content.
var mimeByExtension = map[string]string{
	"html": "text/html; charset=utf-8",
	"jar":  "application/java-archive",
	"xml":  "application/xml; charset=utf-8",
	"pom":  "application/xml; charset=utf-8",
}

// contentTypeFor returns the Content-Type for path per the external
// interface's MIME map: known extensions get their listed type, every
// other extension (sha1 included) gets text/plain, and no extension at
// all gets application/octet-stream.
func contentTypeFor(path string) string {
	seg := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		seg = path[i+1:]
	}

	dot := strings.LastIndexByte(seg, '.')
	if dot < 0 || dot == len(seg)-1 {
		return "application/octet-stream"
	}

	ext := seg[dot+1:]
	if t, ok := mimeByExtension[ext]; ok {
		return t
	}
	return "text/plain; charset=utf-8"
}
