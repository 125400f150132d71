package firestore

import (
	"strings"
)

// Ref addresses a location in the document tree: a '/'-delimited path
// whose segments alternate collection, document. An odd number of segments
// names a collection, an even number a document. Refs are cheap immutable
// values; deriving one does no I/O. A Ref must not outlive the Session it
// came from — that contract is the caller's to keep, nothing enforces it.
type Ref struct {
	session *Session
	path    string
}

// Path returns the path this Ref addresses, relative to the document root.
func (self Ref) Path() string {
	return self.path
}

// ID returns the final path segment, or the whole path when it has a
// single segment.
func (self Ref) ID() string {
	return idFromPath(self.path)
}

// Child derives a Ref addressing subpath below this one. The subpath may
// hold several '/'-delimited segments.
func (self Ref) Child(subpath string) Ref {
	if subpath == "" {
		panic("child of an empty subpath")
	}
	return Ref{session: self.session, path: self.path + "/" + subpath}
}

func idFromPath(path string) string {
	if pos := strings.LastIndexByte(path, '/'); 0 <= pos {
		return path[pos+1:]
	}
	return path
}

func splitParentAndID(path string) (parent string, id string) {
	if pos := strings.LastIndexByte(path, '/'); 0 <= pos {
		return path[:pos], path[pos+1:]
	}
	return "", path
}

// Read fetches the document through a batched get. A found document
// decodes into Result.Value; a missing one reports ErrDocMissing with an
// empty document as the value.
func (self Ref) Read(callback Callback) uint64 {
	body := map[string]any{
		"documents": []any{self.session.docRoot + "/" + self.path},
	}
	return self.session.submit(":batchGet", body, callback, "read", 0, decodeRead)
}

// Write replaces the whole document with doc, a struct or map. Missing
// parents are created implicitly. The commit response is echoed back
// undecoded.
func (self Ref) Write(doc any, callback Callback) uint64 {
	plain, err := normalizeDocument(doc)
	if err != nil {
		self.session.log.Logf(LevelError, "write %s: %v", self.path, err)
		return 0
	}
	wireDoc := EncodeDocument(plain)
	wireDoc["name"] = self.session.docRoot + "/" + self.path
	body := map[string]any{
		"writes": []any{
			map[string]any{"update": wireDoc},
		},
	}
	return self.session.submit(":commit", body, callback, "write", 0, decodeRaw)
}

// Del deletes the document. The store answers the same empty object
// whether or not the document existed, so no distinct error is reported
// for a missing one.
func (self Ref) Del(callback Callback) uint64 {
	return self.session.submit(self.path, nil, callback, "del", flagDelete, decodeRaw)
}

// Add creates a document in this collection under a store-assigned id and
// reports the id back in Result.AddedID.
func (self Ref) Add(doc any, callback Callback) uint64 {
	plain, err := normalizeDocument(doc)
	if err != nil {
		self.session.log.Logf(LevelError, "add %s: %v", self.path, err)
		return 0
	}
	return self.session.submit(self.path, EncodeDocument(plain), callback, "add", 0, decodeAdd)
}

// List fetches whatever a plain GET of the path yields: the documents of a
// collection, or one document. The response is echoed back undecoded.
func (self Ref) List(callback Callback) uint64 {
	return self.session.submit(self.path, nil, callback, "list", flagGet, decodeRaw)
}

// Patch rewrites one field of the document, leaving the others untouched.
// fieldName may be a dotted path into nested maps; it travels in the URL
// as both the update mask and the read mask.
func (self Ref) Patch(fieldName string, value any, callback Callback) uint64 {
	plain, err := normalize(value)
	if err != nil {
		self.session.log.Logf(LevelError, "patch %s: %v", self.path, err)
		return 0
	}
	url := self.path + "?updateMask.fieldPaths=" + fieldName + "&mask.fieldPaths=" + fieldName
	body := EncodeDocument(map[string]any{fieldName: plain})
	return self.session.submit(url, body, callback, "patch", flagPatch, decodeRaw)
}

// Inc atomically adds delta to a numeric field through a field transform
// and reports the new value, already unwrapped, in Result.Value. The store
// resets a non-numeric or missing field to the delta itself; that is
// remote behavior this layer leaves alone.
func (self Ref) Inc(fieldName string, delta float64, callback Callback) uint64 {
	body := map[string]any{
		"writes": []any{
			map[string]any{
				"transform": map[string]any{
					"document": self.session.docRoot + "/" + self.path,
					"fieldTransforms": []any{
						map[string]any{
							"fieldPath": fieldName,
							"increment": map[string]any{"doubleValue": delta},
						},
					},
				},
			},
		},
	}
	return self.session.submit(":commit", body, callback, "inc", 0, decodeInc)
}

// Query runs q against this collection. Result.Value holds one decoded
// document per match, each carrying its id under DocIDKey. A nil query
// matches the whole collection.
func (self Ref) Query(q *Query, callback Callback) uint64 {
	if q == nil {
		q = &Query{}
	}
	parent, body := compileQuery(q, self.session.docRoot, self.path)
	return self.session.submit(parent+":runQuery", body, callback, "query", 0, decodeQuery)
}

// decodeResult applies the response unwrapping selected by kind. It runs
// after generic error detection and before the callback; most kinds only
// act on success, the auth kind only on failure.
func decodeResult(result *Result, kind decodeKind) {
	switch kind {
	case decodeRead:
		decodeReadResult(result)
	case decodeAdd:
		decodeAddResult(result)
	case decodeInc:
		decodeIncResult(result)
	case decodeQuery:
		decodeQueryResult(result)
	case decodeAuth:
		decodeAuthResult(result)
	}
}

// a batched get answers one element per requested document, each either
// found or missing
func decodeReadResult(result *Result) {
	if result.Err != 0 {
		return
	}
	elems, ok := result.Value.([]any)
	if !ok || len(elems) == 0 {
		result.Err = -1
		return
	}
	first, _ := elems[0].(map[string]any)
	if found, ok := first["found"].(map[string]any); ok {
		result.Value = DecodeDocument(found)
		return
	}
	if _, ok := first["missing"]; ok {
		result.Err = ErrDocMissing
		result.Value = map[string]any{}
	}
}

func decodeAddResult(result *Result) {
	if result.Err != 0 {
		return
	}
	obj, _ := result.Value.(map[string]any)
	name, _ := obj["name"].(string)
	if name == "" {
		result.Err = -1
		return
	}
	result.AddedID = idFromPath(name)
}

// a commit carrying one transform answers exactly one write result with
// exactly one transform result: the post-increment value
func decodeIncResult(result *Result) {
	if result.Err != 0 {
		return
	}
	obj, _ := result.Value.(map[string]any)
	writeResults, _ := obj["writeResults"].([]any)
	if len(writeResults) != 1 {
		result.Err = -1
		return
	}
	first, _ := writeResults[0].(map[string]any)
	transformResults, _ := first["transformResults"].([]any)
	if len(transformResults) != 1 {
		result.Err = -1
		return
	}
	result.Value = DecodeValue(transformResults[0])
}

// a query answers a stream array; elements without a document member (the
// trailing read-time marker) are skipped
func decodeQueryResult(result *Result) {
	if result.Err != 0 {
		return
	}
	elems, ok := result.Value.([]any)
	if !ok {
		return
	}
	docs := []any{}
	for _, el := range elems {
		obj, _ := el.(map[string]any)
		wireDoc, ok := obj["document"].(map[string]any)
		if !ok {
			continue
		}
		doc := DecodeDocument(wireDoc)
		if name, ok := wireDoc["name"].(string); ok {
			doc[DocIDKey] = idFromPath(name)
		}
		docs = append(docs, doc)
	}
	result.Value = docs
}

// identity endpoints wrap their failures in an error envelope whose code
// is worth more than the generic -1
func decodeAuthResult(result *Result) {
	if result.Err == 0 {
		return
	}
	obj, _ := result.Value.(map[string]any)
	errObj, _ := obj["error"].(map[string]any)
	if code, ok := errObj["code"].(float64); ok {
		result.Err = int(code)
	}
}
